// *cohort* lets the processes of a parallel job form *groups* and exchange
// typed buffers through them, with one rank of each group acting as the
// *master* for I/O.
//
// A `Group` sits on top of a `Substrate`, the message-passing engine of the
// job. Two are provided:
//
// * `pkg/mesh`, where every rank is a goroutine of the current process.
// * `pkg/fabric`, where every rank is a process. Ranks discover each other
// through [`hashicorp/memberlist`][dep-mbl] gossip and exchange frames over
// [QUIC][dep-quic] streams secured with mTLS.
//
// ## How it works
//
// Every process builds a `Group` over the whole job with `New`, or a subset
// of it with `NewSubgroup`. Collective calls (`Broadcast`, `Gather`,
// `Scatter`, `OpenFile`, `ScanBroadcast`, `AllRanksPrint`, ...) MUST be made
// by every member of the group, in the same order.
//
// Point-to-point transfers are tagged with the sender's rank, so a `Recv`
// from a given source never matches a message from another one.
//
// Only the master touches files and the output: it opens, scans and prints,
// then shares outcomes with the other ranks so that they all take the same
// branch.
//
// ## Errors
//
// Every substrate call returns a `*CallError` wrapping one of the `Err*`
// sentinels of this package, and logs a warning through `slog`. Nothing is
// fatal: callers decide.
//
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
// [dep-quic]: https://pkg.go.dev/github.com/quic-go/quic-go
package cohort
