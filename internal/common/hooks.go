package common

import (
	"github.com/sirupsen/logrus"
)

// BuildHook stamps every record with the binary's build provenance. Useful
// when records end up in the journal of a machine we didn't build on.
type BuildHook struct {
}

func (h *BuildHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *BuildHook) Fire(e *logrus.Entry) error {
	e.Data["build_commit"] = BuildCommit
	e.Data["build_time"] = BuildTime

	return nil
}

// VerbHook tags every record with the command verb being executed, so a
// journal filtered to this tool still shows which operation produced what.
type VerbHook struct {
	Verb string
}

func (h *VerbHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *VerbHook) Fire(e *logrus.Entry) error {
	e.Data["verb"] = h.Verb

	return nil
}
