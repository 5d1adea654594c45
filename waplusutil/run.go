/*
Copyright © 2024 the WA+ authors.
This file is part of WA+.

WA+ is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

WA+ is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with WA+.  If not, see <http://www.gnu.org/licenses/>.
*/

package waplusutil

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/wateraccounting/waplus"
)

// session holds the logger and run record of one command invocation.
type session struct {
	log    *logrus.Logger
	closer io.Closer
	record *runRecord
	dir    string
	basin  string
	runner *waplus.Runner
}

func newSession(cmd *cobra.Command, cfg *viper.Viper) (*session, error) {
	basin, dir, err := checkBasin(cfg)
	if err != nil {
		return nil, err
	}
	log, closer, err := newLogger(cmd.OutOrStderr(), dir, basin, cfg.GetString("log_level"))
	if err != nil {
		return nil, err
	}
	s := &session{
		log:    log,
		closer: closer,
		record: newRunRecord(cmd.Name(), cfg),
		dir:    dir,
		basin:  basin,
	}
	s.runner = &waplus.Runner{
		Progress: func(current, total int, msg string) {
			log.WithFields(logrus.Fields{"step": current, "of": total}).Debug(msg)
		},
	}
	log.WithFields(logrus.Fields{"run": s.record.RunID, "command": cmd.Name()}).Info("starting WA+ v" + waplus.Version)
	return s, nil
}

// run runs job and waits for it to finish.
func (s *session) run(job waplus.Job) error {
	h, err := s.runner.Start(context.Background(), job)
	if err != nil {
		return err
	}
	return h.Wait()
}

// finish writes the run record and closes the log file.
func (s *session) finish(err error) error {
	if err != nil {
		s.record.Error = err.Error()
		s.log.WithError(err).Error("run failed")
	} else {
		s.log.Info("run finished")
	}
	s.record.Finished = time.Now()
	if rerr := writeRunRecord(s.dir, s.basin, s.record); rerr != nil && err == nil {
		err = rerr
	}
	s.closer.Close()
	return err
}

// Preproc derives rainy days and interception as configured in cfg.
func Preproc(cmd *cobra.Command, cfg *viper.Viper) error {
	s, err := newSession(cmd, cfg)
	if err != nil {
		return err
	}
	_, err = s.preproc(cfg)
	return s.finish(err)
}

func (s *session) preproc(cfg *viper.Viper) (map[waplus.VarKey]string, error) {
	c, err := PreprocConfig(cfg, s.log)
	if err != nil {
		return nil, err
	}
	var out map[waplus.VarKey]string
	err = s.run(waplus.Job{
		Name: "preproc " + c.BasinName,
		Run: func(ctx context.Context, _ waplus.Control) error {
			var err error
			out, err = waplus.Preprocess(ctx, *c)
			return err
		},
	})
	return out, err
}

// SMBalance runs the soil moisture balance as configured in cfg.
func SMBalance(cmd *cobra.Command, cfg *viper.Viper) error {
	s, err := newSession(cmd, cfg)
	if err != nil {
		return err
	}
	paths, err := InputPaths(cfg)
	if err == nil {
		_, err = s.smbalance(cfg, paths)
	}
	return s.finish(err)
}

func (s *session) smbalance(cfg *viper.Viper, paths map[waplus.VarKey]string) (*waplus.SMBalanceResult, error) {
	c, err := SMBalanceConfig(cfg, s.log)
	if err != nil {
		return nil, err
	}
	m, err := waplus.NewManifest(paths)
	if err != nil {
		return nil, err
	}
	var res *waplus.SMBalanceResult
	if err := s.run(waplus.SMBalanceJob(*c, m, &res)); err != nil {
		return nil, err
	}
	return res, nil
}

// Hydroloop runs the hydroloop pipeline as configured in cfg.
func Hydroloop(cmd *cobra.Command, cfg *viper.Viper) error {
	s, err := newSession(cmd, cfg)
	if err != nil {
		return err
	}
	paths, err := InputPaths(cfg)
	if err == nil {
		err = s.hydroloop(cfg, paths)
	}
	return s.finish(err)
}

func (s *session) hydroloop(cfg *viper.Viper, paths map[waplus.VarKey]string) error {
	meta, err := BasinMetadata(cfg)
	if err != nil {
		return err
	}
	tables, err := TablesConfig(cfg)
	if err != nil {
		return err
	}
	m, err := waplus.NewManifest(paths)
	if err != nil {
		return err
	}
	state, err := waplus.InitializeHydroloop(context.Background(), *meta, m, tables, s.log)
	if err != nil {
		return err
	}
	if err := s.run(waplus.HydroloopJob(state)); err != nil {
		return err
	}
	for _, y := range state.Summary.Years {
		fields := logrus.Fields{"year": y}
		for _, k := range []string{string(waplus.VarP), string(waplus.VarET), string(waplus.VarSupplyTotal)} {
			if v, ok := state.Summary.Value(k, y); ok {
				fields[k] = fmt.Sprintf("%.1f", v)
			}
		}
		s.log.WithFields(fields).Info("yearly basin totals")
	}
	return nil
}

// RunAll runs the preprocessor, the soil moisture balance and the
// hydroloop pipeline in turn, passing the outputs of each step to the
// next.
func RunAll(cmd *cobra.Command, cfg *viper.Viper) error {
	s, err := newSession(cmd, cfg)
	if err != nil {
		return err
	}
	return s.finish(s.runAll(cfg))
}

func (s *session) runAll(cfg *viper.Viper) error {
	paths, err := InputPaths(cfg)
	if err != nil {
		return err
	}
	pre, err := s.preproc(cfg)
	if err != nil {
		return err
	}
	for k, p := range pre {
		paths[k] = p
	}
	sm, err := s.smbalance(cfg, paths)
	if err != nil {
		return err
	}
	for k, v := range sm.Outputs {
		paths[k] = v.Path()
	}
	return s.hydroloop(cfg, paths)
}
