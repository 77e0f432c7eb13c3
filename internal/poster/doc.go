// Package poster is the scheduling/posting engine.
//
// # Overview
//
// A post is persisted with status "scheduled" and a future time; the engine
// arms one in-process timer per scheduled post. When the timer fires the post
// moves processing -> posted/failed via the Publisher. Cancel and Reschedule
// mutate both the timer and the record.
//
// # Recovery
//
// Timers are not durable. On startup Recover reloads every scheduled post
// from the store: stale ones become "missed" without publishing, future ones
// get their timer re-armed for the remaining delay.
//
// # Races
//
// The timer map is a wake-up mechanism, never the source of truth. Every
// transition out of "scheduled" is a conditional store write (see
// storage.Store.UpdatePostIf): the fire callback claims scheduled->processing,
// cancel claims scheduled->cancelled, and the sweep claims scheduled->missed,
// each atomically against the status column. Whichever writer lands first
// wins; the losers observe a failed claim and back off, so a cancel can never
// return true for a post that still publishes. No locks are held across store
// or network I/O.
//
// # Failures
//
// Publish errors are persisted onto the post (status "failed" plus the error
// text) and surfaced via status queries and bus events. By default nothing is
// retried automatically; operators reschedule explicitly. A retry_max knob
// enables bounded automatic retries with exponential backoff.
package poster
