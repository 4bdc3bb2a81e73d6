// Package models contains shared data models used across the renderflow codebase.
package models

// Kind describes one family of asynchronous work items. Jobs and generations share
// the same lifecycle and differ only in where they are stored and which artifact
// column references them.
type Kind struct {
	Name           string // singular, used in webhook event names ("job")
	Plural         string // used in URLs ("jobs")
	Table          string
	EventTable     string
	EventFK        string
	ArtifactColumn string
}

var (
	KindJob = Kind{
		Name:           "job",
		Plural:         "jobs",
		Table:          "jobs",
		EventTable:     "job_events",
		EventFK:        "job_id",
		ArtifactColumn: "source_job_id",
	}
	KindGeneration = Kind{
		Name:           "generation",
		Plural:         "generations",
		Table:          "generations",
		EventTable:     "generation_events",
		EventFK:        "generation_id",
		ArtifactColumn: "source_generation_id",
	}
)

// Kinds lists every registered kind.
func Kinds() []Kind {
	return []Kind{KindJob, KindGeneration}
}

// KindByPlural resolves a URL segment such as "generations" to its Kind.
func KindByPlural(plural string) (Kind, bool) {
	for _, k := range Kinds() {
		if k.Plural == plural {
			return k, true
		}
	}
	return Kind{}, false
}

// WebhookEvent returns the webhook event type for a lifecycle milestone, e.g. "job.completed".
func (k Kind) WebhookEvent(milestone EventType) string {
	return k.Name + "." + string(milestone)
}
