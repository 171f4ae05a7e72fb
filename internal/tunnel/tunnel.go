// Package tunnel implements the bidirectional byte pump that runs after a
// protocol handshake succeeds, relaying bytes between the client and the
// dialed remote endpoint until either side closes.
package tunnel

import (
	"context"

	"github.com/postalsys/multiproxy/internal/bufconn"
)

// bufferSize matches bufconn.DefaultReceiveSize: each copier reads at most
// this many bytes per iteration.
const bufferSize = bufconn.DefaultReceiveSize

// Stats reports bytes relayed in each direction once a Pump returns. It is
// best-effort: a direction that never completed a full read contributes 0.
type Stats struct {
	AtoB int64
	BtoA int64
}

// Pump copies bytes bidirectionally between a and b until both directions
// have terminated, then returns. Each direction is an independent copier:
// it reads up to bufferSize bytes, writes them to the opposite stream, and
// repeats until its reader reports end-of-stream (or is broken), or until
// its writer is broken. On exit a copier always closes its writer, so the
// opposite copier, which reads from that stream, fails its next read and
// terminates too: a half-close in one direction becomes a full shutdown.
//
// Canceling ctx closes both streams, which unblocks both copiers; Pump then
// waits for them to exit before returning. Stream.Close is idempotent, so
// the caller may also close either stream at any time.
func Pump(ctx context.Context, a, b *bufconn.Stream) Stats {
	done := make(chan result, 2)

	go func() { done <- result{dir: dirAtoB, n: copyStream(a, b)} }()
	go func() { done <- result{dir: dirBtoA, n: copyStream(b, a)} }()

	var stats Stats
	remaining := 2
	for remaining > 0 {
		select {
		case r := <-done:
			if r.dir == dirAtoB {
				stats.AtoB = r.n
			} else {
				stats.BtoA = r.n
			}
			remaining--
		case <-ctx.Done():
			// Close both streams to unblock the copiers, then drain so
			// neither copier goroutine leaks.
			a.Close()
			b.Close()
			for ; remaining > 0; remaining-- {
				<-done
			}
		}
	}
	return stats
}

type direction int

const (
	dirAtoB direction = iota
	dirBtoA
)

type result struct {
	dir direction
	n   int64
}

// copyStream is a single unidirectional copier: reader -> writer.
func copyStream(reader, writer *bufconn.Stream) int64 {
	defer writer.Close()

	var total int64
	for {
		chunk, err := reader.Receive(bufferSize)
		if err != nil {
			return total
		}
		if err := writer.Send(chunk); err != nil {
			return total
		}
		total += int64(len(chunk))
	}
}
