// Copyright 2025 Treeline DB, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package plan

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"
)

// Session carries the read-only per-query configuration
// consulted by optimizer passes.
type Session struct {
	// QueryID identifies the query in logs and traces.
	QueryID string `json:"query_id"`
	// DynamicFiltering enables synthesis of dynamic-filter
	// predicates at hash-join probe sites.
	DynamicFiltering bool `json:"dynamic_filtering"`
	// SpatialPartitioning is the spatial-join partitioning
	// setting; the predicate-pushdown pass does not read it.
	SpatialPartitioning bool `json:"spatial_partitioning"`
	// Debug enables debug logging of rule firings.
	Debug bool `json:"debug"`

	logger *logrus.Logger
	tracer opentracing.Tracer
}

// NewSession returns a session with default settings
// and a fresh query id.
func NewSession() *Session {
	return &Session{QueryID: uuid.NewString()}
}

// SessionFromYAML parses session settings from a YAML
// document. Missing fields keep their zero defaults;
// a missing query id is generated.
func SessionFromYAML(buf []byte) (*Session, error) {
	s := &Session{}
	if err := yaml.UnmarshalStrict(buf, s); err != nil {
		return nil, fmt.Errorf("parsing session config: %w", err)
	}
	if s.QueryID == "" {
		s.QueryID = uuid.NewString()
	}
	return s, nil
}

// SetLogger overrides the session logger.
func (s *Session) SetLogger(l *logrus.Logger) { s.logger = l }

// SetTracer overrides the session tracer.
func (s *Session) SetTracer(t opentracing.Tracer) { s.tracer = t }

// Logger returns a log entry annotated with the query id.
// Debug output is suppressed unless Debug is set.
func (s *Session) Logger() *logrus.Entry {
	if s.logger == nil {
		if s.Debug {
			s.logger = logrus.New()
			s.logger.SetLevel(logrus.DebugLevel)
		} else {
			s.logger = logrus.StandardLogger()
		}
	}
	return s.logger.WithField("query_id", s.QueryID)
}

// Tracer returns the session tracer, defaulting to the
// process-global one.
func (s *Session) Tracer() opentracing.Tracer {
	if s.tracer != nil {
		return s.tracer
	}
	return opentracing.GlobalTracer()
}

// Warning is one diagnostic recorded during planning.
type Warning struct {
	Code string
	Text string
}

// WarningCollector accumulates non-fatal diagnostics
// raised while planning a query.
type WarningCollector interface {
	Add(code, format string, args ...any)
}

// Warnings is the default WarningCollector.
type Warnings []Warning

// Add implements WarningCollector.Add
func (w *Warnings) Add(code, format string, args ...any) {
	*w = append(*w, Warning{Code: code, Text: fmt.Sprintf(format, args...)})
}
