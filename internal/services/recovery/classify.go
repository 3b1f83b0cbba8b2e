// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package recovery

import (
	"time"

	"github.com/fetcharr/fetcharr/internal/debrid"
)

// verdict is the monitor's classification of one poll observation.
type verdict int

const (
	// verdictKeep: the job is progressing, leave it alone.
	verdictKeep verdict = iota
	// verdictSelectFiles: the job is waiting for its files to be selected.
	verdictSelectFiles
	// verdictCompleted: the provider finished the job.
	verdictCompleted
	// verdictDead: the job failed or its swarm has no seeders.
	verdictDead
	// verdictStalled: the job exceeded the wait budget with next to no
	// progress.
	verdictStalled
)

func (v verdict) String() string {
	switch v {
	case verdictSelectFiles:
		return "select_files"
	case verdictCompleted:
		return "completed"
	case verdictDead:
		return "dead"
	case verdictStalled:
		return "stalled"
	}
	return "keep"
}

// classify maps one provider observation to a verdict. It is a pure
// function of the observation and the submission time; every state
// transition the monitor makes goes through here.
//
// Zero seeders while actively downloading is an immediate death, it never
// waits out the stall timeout.
func classify(t debrid.Torrent, submittedAt, now time.Time, maxWait time.Duration) verdict {
	switch {
	case t.Status.Complete() || t.Progress >= 100:
		return verdictCompleted
	case t.Status.Failed() || t.Status.Dead():
		return verdictDead
	case t.Status == debrid.StatusDownloading && t.Seeders != nil && *t.Seeders == 0:
		return verdictDead
	}

	if maxWait > 0 && now.Sub(submittedAt) > maxWait && t.Progress < stallProgressPct {
		return verdictStalled
	}

	if t.Status.WaitingSelection() {
		return verdictSelectFiles
	}
	return verdictKeep
}
