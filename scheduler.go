package dualai

import (
	"time"

	"github.com/robfig/cron/v3"
)

// cleanupSchedule runs the temp-file sweep once a day, shortly after
// midnight UTC.
const cleanupSchedule = "10 0 * * *"

// CleanupScheduler runs the synthesized-audio temp file sweep on a daily
// cron schedule.
type CleanupScheduler struct {
	cron       *cron.Cron
	elevenlabs *ElevenLabsClient
	logger     Logger
}

// NewCleanupScheduler creates the scheduler; Start must be called to arm it.
func NewCleanupScheduler(elevenlabs *ElevenLabsClient, logger Logger) *CleanupScheduler {
	if logger == nil {
		logger = NewNullLogger()
	}
	return &CleanupScheduler{
		cron:       cron.New(cron.WithLocation(time.UTC)),
		elevenlabs: elevenlabs,
		logger:     logger,
	}
}

// Start registers the daily sweep and starts the cron loop in the
// background.
func (s *CleanupScheduler) Start() error {
	if _, err := s.cron.AddFunc(cleanupSchedule, s.runCleanup); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.WithFields(map[string]interface{}{"schedule": cleanupSchedule}).Info("cleanup scheduler started")
	return nil
}

// Stop halts the cron loop and waits for a running sweep to finish.
func (s *CleanupScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("cleanup scheduler stopped")
}

func (s *CleanupScheduler) runCleanup() {
	removed, err := s.elevenlabs.CleanupTempFiles()
	if err != nil {
		s.logger.WithErr(err).Error("temp file cleanup failed")
		return
	}
	s.logger.WithFields(map[string]interface{}{"files_removed": removed}).Info("temp file cleanup finished")
}
