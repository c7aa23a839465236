// Package scheduler runs recurring jobs on a gocron scheduler. It adds the
// controls the admin surface needs on top of gocron: per-job instance
// limits, pause and resume, manual triggers, a misfire grace window and a
// catch-up run at start for fires missed while the process was down.
//
// Job bodies run in process and should be short; long work is enqueued as
// a background task instead.
package scheduler
