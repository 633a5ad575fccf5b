/*
Package challenges parses challenge manifests from the git working copy
into an in-memory registry.

The published set is replaced atomically on each reload; a reader
either sees the old set or the new one, never a mix. A malformed
manifest is skipped with a logged error so one broken challenge cannot
take the rest of the competition down. Reloads emit change events that
the reconciler uses to flag instances pinned to stale definitions.
*/
package challenges
