package telemetry

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/veilbrowse/torgate/internal/control"
	"github.com/veilbrowse/torgate/internal/infrastructure/logging"
	"github.com/veilbrowse/torgate/internal/shared/types"
)

// consensusTimeLayout is the timestamp format of consensus validity keys.
const consensusTimeLayout = "2006-01-02 15:04:05"

// Reader collects on-demand telemetry over the control session: traffic
// totals, daemon version, circuit readiness and the consensus validity
// window. Readings are best effort per key; a key the daemon does not
// answer leaves its field at the zero value.
type Reader struct {
	session *control.Session
	logger  *logging.Logger
}

// NewReader creates a telemetry reader on the shared session.
func NewReader(session *control.Session, logger *logging.Logger) *Reader {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Reader{session: session, logger: logger}
}

// Read takes one telemetry snapshot.
func (r *Reader) Read(ctx context.Context) (types.Telemetry, error) {
	var tel types.Telemetry

	read, err := r.counter(ctx, "traffic/read")
	if err != nil {
		return tel, err
	}
	tel.BytesRead = read

	written, err := r.counter(ctx, "traffic/written")
	if err != nil {
		return tel, err
	}
	tel.BytesWritten = written

	if v, err := r.session.GetInfo(ctx, "version"); err == nil {
		tel.Version = v
	}
	if v, err := r.session.GetInfo(ctx, "status/circuit-established"); err == nil {
		tel.CircuitEstablished = v == "1"
	}

	tel.Consensus = r.consensus(ctx)
	return tel, nil
}

// counter reads a numeric GETINFO key. A missing or malformed value
// degrades to zero rather than failing the snapshot.
func (r *Reader) counter(ctx context.Context, key string) (int64, error) {
	v, err := r.session.GetInfo(ctx, key)
	if err != nil {
		return 0, err
	}
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.logger.Warn("non-numeric telemetry value",
			zap.String("key", key), zap.String("value", v))
		return 0, nil
	}
	return n, nil
}

// consensus reads the consensus validity window. Nil when the daemon has
// no usable consensus yet, which is normal during bootstrap.
func (r *Reader) consensus(ctx context.Context) *types.ConsensusWindow {
	validAfter := r.timestamp(ctx, "consensus/valid-after")
	if validAfter.IsZero() {
		return nil
	}
	return &types.ConsensusWindow{
		ValidAfter: validAfter,
		FreshUntil: r.timestamp(ctx, "consensus/fresh-until"),
		ValidUntil: r.timestamp(ctx, "consensus/valid-until"),
	}
}

func (r *Reader) timestamp(ctx context.Context, key string) time.Time {
	v, err := r.session.GetInfo(ctx, key)
	if err != nil || v == "" {
		return time.Time{}
	}
	ts, err := time.Parse(consensusTimeLayout, v)
	if err != nil {
		r.logger.Warn("unparseable consensus timestamp",
			zap.String("key", key), zap.String("value", v))
		return time.Time{}
	}
	return ts
}
