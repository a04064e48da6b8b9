package grpc

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shhac/quill/internal/call"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// streamArray builds a {"stream": [...]} payload of n echo requests, each
// carrying size bytes.
func streamArray(n, size int) []byte {
	body := base64.StdEncoding.EncodeToString(make([]byte, size))
	var b strings.Builder
	b.WriteString(`{"stream": [`)
	for i := range n {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `{"payload": {"body": %q}}`, body)
	}
	b.WriteString(`]}`)
	return []byte(b.String())
}

func TestOrchestrator_LongBidiStreamArray(t *testing.T) {
	const n = 400
	orch := call.NewOrchestrator(newTestInvoker(t), nil, testLogger)
	md := testMethod(t, "FullDuplexCall")

	started := make(chan *call.Session, 1)
	go func() {
		started <- orch.Start(context.Background(), call.Request{
			Method:   md,
			Endpoint: testAddr,
			Payload:  streamArray(n, 4096),
		})
	}()

	var s *call.Session
	select {
	case s = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return while the stream was being written")
	}

	var data, ends int
	timeout := time.After(30 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				done = true
				break
			}
			switch ev.Kind {
			case call.EventData:
				data++
			case call.EventError:
				t.Fatalf("unexpected error event: %s", ev.Message)
			case call.EventEnd:
				ends++
			}
		case <-timeout:
			t.Fatalf("timed out after %d data events", data)
		}
	}

	assert.Equal(t, n, data)
	assert.Equal(t, 1, ends)
	require.Len(t, s.Sent(), n)
	assert.Equal(t, call.PhaseIdle, s.Phase())
}
