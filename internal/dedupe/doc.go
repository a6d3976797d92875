// Package dedupe remembers recently handled platform message IDs so that
// long-poll retries and sync replays are processed exactly once.
package dedupe
