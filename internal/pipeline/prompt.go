package pipeline

import "fmt"

const DefaultPromptVersion = "v1"

// Prompts holds the extraction instructions by version. The `{raw_initiatives}`
// placeholder is substituted by the remote service with the stored input.
var Prompts = map[string]string{
	"v1": `Parse this CSV data into a JSON array of initiative objects. Each object should have: initiative_id, name, owner, status (must be one of: "not started", "in progress", "at risk", "blocked", "completed"), due_date (MM/DD/YYYY format), description, related_okr, objectives, metrics_kpis, notes. Calculate progress_percentage based on status: not started=0%, in progress=50%, at risk=35%, blocked=25%, completed=100%. Return only valid JSON array format: {` + RawObject + `}`,
}

// Prompt returns the instruction text for version, defaulting to the latest.
func Prompt(version string) (string, error) {
	if version == "" {
		version = DefaultPromptVersion
	}
	p, ok := Prompts[version]
	if !ok {
		return "", fmt.Errorf("unknown prompt version %q", version)
	}
	return p, nil
}
