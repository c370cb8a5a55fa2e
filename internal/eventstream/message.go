// Package eventstream is the admin-facing real-time fan-out for domain
// state changes (spec §2.10): the hub and websocket clients behind
// /api/v1/events. Frames reach clients only through Hub.Publish; no
// component in this tree calls Publish, so connected clients receive
// keep-alive pings and no event frames. It is
// transport plumbing over BlackLake's existing domain events
// (pkg/types.EventType) — not a new domain concept — adapted from the
// teacher's GUI push-notification hub.
//
// Topic naming convention:
//
//	repo:<uuid>   — commit/ref/webhook events scoped to one repo
//	job:<uuid>    — state transitions for a specific job
//	admin         — every event, for a dashboard-wide view
package eventstream

import "github.com/blacklake-io/blacklake/pkg/types"

// Message is the envelope for every frame sent to a connected client.
type Message struct {
	// Event identifies the kind of occurrence, reusing the same enum the
	// webhook dispatcher signs and posts (pkg/types.EventType) so the two
	// delivery paths never drift apart on vocabulary.
	Event types.EventType `json:"event"`

	// Topic is the pub/sub channel this message was published on.
	Topic string `json:"topic"`

	// Payload carries the event-specific data — typically the same
	// types.WebhookPayload shape built for the matching webhook delivery,
	// plus job-only fields (state, attempts) when Event is a job transition.
	Payload any `json:"payload"`
}

// RepoTopic is the topic carrying every event scoped to repoID.
func RepoTopic(repoID string) string { return "repo:" + repoID }

// JobTopic is the topic carrying state transitions for a single job.
func JobTopic(jobID string) string { return "job:" + jobID }

// AdminTopic carries every event, for a dashboard-wide subscriber.
const AdminTopic = "admin"
