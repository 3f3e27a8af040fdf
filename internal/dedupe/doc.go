// Package dedupe suppresses retried agent messages: a publish or direct
// message carrying a client id already seen from the same agent within the
// TTL is acknowledged without being delivered again.
package dedupe
