package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
)

// setupCmd guides the operator through interactively writing a .env file
// with the recognized config keys of spec.md §6.
func setupCmd() {
	fmt.Println("Starting taskchaser setup wizard...\n")

	existing := readDotEnv(".env")

	getString := func(key, def string) string {
		if v, ok := existing[key]; ok {
			return v
		}
		return def
	}

	siteUrl := getString("SHAREPOINT_SITE_URL", "")
	slackToken := getString("SLACK_BOT_TOKEN", "")
	ackBaseUrl := getString("ACKLINK_BASE_URL", "")
	dbPath := getString("TASKCHASER_DB_PATH", "./taskchaser.db")
	workflowPath := getString("CHASERJOB_WORKFLOW_TEMPLATE_PATH", "./workflow_template.json")

	cadenceStr := getString("CHASERJOB_CADENCE_MINUTES", "5")
	batchSizeStr := getString("CHASERJOB_BATCH_SIZE", "50")
	sendHourStr := getString("CHASERJOB_SEND_HOUR_LOCAL", "9")
	windowStartStr := getString("CHASERJOB_BUSINESSWINDOW_START_HOUR_LOCAL", "8")
	windowEndStr := getString("CHASERJOB_BUSINESSWINDOW_END_HOUR_LOCAL", "18")
	ttlHoursStr := getString("ACKLINK_POLICY_CHASER_TTL_HOURS", "24")

	configLevel := "Basic (Default)"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("SharePoint site URL").
				Description("Base URL of the collaboration platform site, e.g. https://contoso.sharepoint.com/sites/ops").
				Value(&siteUrl),

			huh.NewInput().
				Title("Slack bot token").
				Description("xoxb- token the notification client authenticates with.").
				EchoMode(huh.EchoModePassword).
				Value(&slackToken),

			huh.NewInput().
				Title("Ack link base URL").
				Description("Public scheme+host the /ack endpoint is reachable at.").
				Value(&ackBaseUrl),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Configuration level").
				Options(
					huh.NewOption("Basic (Default)", "Basic (Default)"),
					huh.NewOption("Advanced Options", "Advanced"),
				).
				Value(&configLevel),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Database path").
				Value(&dbPath),

			huh.NewInput().
				Title("Workflow template path").
				Value(&workflowPath),

			huh.NewInput().
				Title("Chaser cadence (minutes)").
				Description("How often the chaser loop ticks, minimum 1.").
				Value(&cadenceStr),

			huh.NewInput().
				Title("Batch size").
				Value(&batchSizeStr),

			huh.NewInput().
				Title("Send hour (local, 0-23)").
				Value(&sendHourStr),

			huh.NewInput().
				Title("Business window start hour (local)").
				Value(&windowStartStr),

			huh.NewInput().
				Title("Business window end hour (local)").
				Value(&windowEndStr),

			huh.NewInput().
				Title("Ack link TTL (hours)").
				Value(&ttlHoursStr),
		).WithHideFunc(func() bool {
			return configLevel != "Advanced"
		}),
	)

	if err := form.Run(); err != nil {
		fmt.Printf("Setup cancelled: %v\n", err)
		return
	}

	if _, err := strconv.Atoi(cadenceStr); err != nil {
		cadenceStr = "5"
	}
	if _, err := strconv.Atoi(batchSizeStr); err != nil {
		batchSizeStr = "50"
	}
	if _, err := strconv.Atoi(sendHourStr); err != nil {
		sendHourStr = "9"
	}

	result := map[string]string{
		"SHAREPOINT_SITE_URL":                     siteUrl,
		"SLACK_BOT_TOKEN":                         slackToken,
		"ACKLINK_BASE_URL":                        ackBaseUrl,
		"TASKCHASER_DB_PATH":                      dbPath,
		"CHASERJOB_WORKFLOW_TEMPLATE_PATH":        workflowPath,
		"CHASERJOB_CADENCE_MINUTES":                cadenceStr,
		"CHASERJOB_BATCH_SIZE":                    batchSizeStr,
		"CHASERJOB_SEND_HOUR_LOCAL":               sendHourStr,
		"CHASERJOB_BUSINESSWINDOW_START_HOUR_LOCAL": windowStartStr,
		"CHASERJOB_BUSINESSWINDOW_END_HOUR_LOCAL":   windowEndStr,
		"ACKLINK_POLICY_CHASER_TTL_HOURS":          ttlHoursStr,
	}

	if err := writeDotEnv(".env", result); err != nil {
		fmt.Printf("Failed to write .env: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nWrote .env. Run `taskchaser serve` to start the chaser loop.")
}

func readDotEnv(path string) map[string]string {
	out := map[string]string{}
	data, err := os.ReadFile(path)
	if err != nil {
		return out
	}

	lines := splitLines(string(data))
	for _, line := range lines {
		key, value, ok := splitKeyValue(line)
		if ok {
			out[key] = value
		}
	}
	return out
}

func writeDotEnv(path string, values map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for key, value := range values {
		if _, err := fmt.Fprintf(f, "%s=%s\n", key, value); err != nil {
			return err
		}
	}
	return nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func splitKeyValue(line string) (key, value string, ok bool) {
	for i := 0; i < len(line); i++ {
		if line[i] == '=' {
			return line[:i], line[i+1:], true
		}
	}
	return "", "", false
}
