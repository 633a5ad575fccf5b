// Package repo keeps a local checkout of the challenge repository in
// sync with the configured branch. Change detection compares commit
// hashes, not timestamps, and a failed sync leaves the last-known-good
// definitions serving.
package repo
