// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package debrid

import "time"

// Status is the provider-reported state of a torrent job.
type Status string

const (
	StatusMagnetError      Status = "magnet_error"
	StatusMagnetConversion Status = "magnet_conversion"
	StatusWaitingSelection Status = "waiting_files_selection"
	StatusQueued           Status = "queued"
	StatusDownloading      Status = "downloading"
	StatusDownloaded       Status = "downloaded"
	StatusErrored          Status = "error"
	StatusVirus            Status = "virus"
	StatusCompressing      Status = "compressing"
	StatusUploading        Status = "uploading"
	// StatusDead means the swarm has no seeders left.
	StatusDead Status = "dead"
)

// Failed reports an immediate, unrecoverable job failure.
func (s Status) Failed() bool {
	return s == StatusMagnetError || s == StatusErrored || s == StatusVirus
}

// Dead reports a seederless job.
func (s Status) Dead() bool {
	return s == StatusDead
}

// WaitingSelection reports that the job needs its files selected before the
// download starts.
func (s Status) WaitingSelection() bool {
	return s == StatusWaitingSelection
}

// Active reports that the provider is still working on the job.
func (s Status) Active() bool {
	switch s {
	case StatusMagnetConversion, StatusQueued, StatusDownloading, StatusCompressing, StatusUploading:
		return true
	}
	return false
}

// Complete reports a finished job.
func (s Status) Complete() bool {
	return s == StatusDownloaded
}

// Torrent is one job on the cache provider.
type Torrent struct {
	ID       string
	Filename string
	Hash     string
	Status   Status
	Progress float64
	Bytes    int64
	// Seeders is only reported while the provider is actively downloading.
	Seeders *int
	Added   time.Time
}

// ActiveCount reports how many jobs the provider considers active against
// its own limit.
type ActiveCount struct {
	Count int `json:"nb"`
	Limit int `json:"limit"`
}
