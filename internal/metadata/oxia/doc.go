// Package oxia stores lsmttl metadata in an Oxia namespace: one record per
// collection, the stored default policy, and the ephemeral sweep lease that
// Oxia drops when the holder's session dies.
//
// Oxia versions start at 0, so this package shifts them by one and keeps 0
// free for "key absent" in compare-and-set writes. Notifications name the
// changed key only; readers fetch the new value themselves.
package oxia
