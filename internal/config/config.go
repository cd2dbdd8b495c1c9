// Package config loads the recognized keys of spec.md §6 from the process
// environment using github.com/caarlos0/env/v11, matching the shape the
// teacher's own config layer is replaced with (spec.md §9: "global mutable
// state -> explicit collaborators" applies to configuration too — nothing
// here is read back out of a package-level var after Load returns).
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ChaserJob holds the cadence/window/safety knobs of spec.md §4.7.
type ChaserJob struct {
	Enabled             bool `env:"CHASERJOB_ENABLED" envDefault:"true"`
	CadenceMinutes      int  `env:"CHASERJOB_CADENCE_MINUTES" envDefault:"5"`
	BatchSize           int  `env:"CHASERJOB_BATCH_SIZE" envDefault:"50"`
	SendHourLocal       int  `env:"CHASERJOB_SEND_HOUR_LOCAL" envDefault:"9"`
	ThreadFallback      bool `env:"CHASERJOB_THREAD_FALLBACK" envDefault:"true"`
	WorkflowTemplatePath string `env:"CHASERJOB_WORKFLOW_TEMPLATE_PATH" envDefault:"./workflow_template.json"`

	BusinessWindow struct {
		StartHourLocal int `env:"CHASERJOB_BUSINESSWINDOW_START_HOUR_LOCAL" envDefault:"8"`
		EndHourLocal   int `env:"CHASERJOB_BUSINESSWINDOW_END_HOUR_LOCAL" envDefault:"18"`
		CushionHours   int `env:"CHASERJOB_BUSINESSWINDOW_CUSHION_HOURS" envDefault:"0"`
	}

	Safety struct {
		MaxConsecutiveFailures int `env:"CHASERJOB_SAFETY_MAX_CONSECUTIVE_FAILURES" envDefault:"5"`
		CoolOffMinutes         int `env:"CHASERJOB_SAFETY_COOLOFF_MINUTES" envDefault:"15"`
	}
}

// AckLink holds the ack URL builder's runtime policy (spec.md §4.3 / §6).
type AckLink struct {
	BaseUrl string `env:"ACKLINK_BASE_URL"`
	Policy  struct {
		ChaserTtlHours int `env:"ACKLINK_POLICY_CHASER_TTL_HOURS" envDefault:"24"`
	}
}

// DatabaseMaintenance holds the checkpoint job's knobs (spec.md §4.4).
type DatabaseMaintenance struct {
	CheckpointEnabled        bool   `env:"DATABASEMAINTENANCE_CHECKPOINT_ENABLED" envDefault:"true"`
	CheckpointIntervalHours  int    `env:"DATABASEMAINTENANCE_CHECKPOINT_INTERVAL_HOURS" envDefault:"24"`
	CheckpointMode           string `env:"DATABASEMAINTENANCE_CHECKPOINT_MODE" envDefault:"PASSIVE"`
	// CheckpointCronExpr is an optional domain-stack addition (SPEC_FULL.md):
	// when set, the maintenance job schedules off this cron expression
	// (via adhocore/gronx) instead of the fixed interval above.
	CheckpointCronExpr string `env:"DATABASEMAINTENANCE_CHECKPOINT_CRON_EXPR"`
}

// Config is the full process configuration, assembled from the recognized
// keys of spec.md §6.
type Config struct {
	ChaserJob           ChaserJob
	AckLink             AckLink
	DatabaseMaintenance DatabaseMaintenance

	// SharePointFieldMappings.Map: logical->physical field name map used by
	// the system-of-record client (C5, spec.md §4.5).
	FieldMappings map[string]string `env:"SHAREPOINTFIELDMAPPINGS_MAP" envSeparator:"," envKeyValSeparator:"="`

	DatabasePath string `env:"TASKCHASER_DB_PATH" envDefault:"./taskchaser.db"`
	Debug        bool   `env:"TASKCHASER_DEBUG" envDefault:"false"`

	SharePointSiteUrl string `env:"SHAREPOINT_SITE_URL"`
	SlackBotToken     string `env:"SLACK_BOT_TOKEN"`
}

// Load reads Config from the process environment, applying the spec.md §6
// defaults for any key left unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.ChaserJob.CadenceMinutes < 1 {
		cfg.ChaserJob.CadenceMinutes = 1
	}
	if cfg.AckLink.Policy.ChaserTtlHours < 1 {
		cfg.AckLink.Policy.ChaserTtlHours = 1
	}
	return cfg, nil
}
