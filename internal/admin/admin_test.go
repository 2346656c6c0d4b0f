package admin

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeSnapshotter struct {
	report Report
}

func (f fakeSnapshotter) Snapshot() Report { return f.report }

func TestHandleCallsSnapshotReturnsJSON(t *testing.T) {
	want := Report{
		Transactions: []TransactionSnapshot{{ID: 1, IMSI: "001010000000001", Service: "MOC", State: "Active", TI: 2}},
		ActiveUsers:  1,
	}
	s := New(":0", fakeSnapshotter{report: want}, time.Second, zerolog.Nop())

	req := httptest.NewRequest("GET", "/calls", nil)
	rec := httptest.NewRecorder()
	s.handleCallsSnapshot(rec, req)

	require.Equal(t, 200, rec.Code)
	var got Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, want.ActiveUsers, got.ActiveUsers)
	require.Len(t, got.Transactions, 1)
	require.Equal(t, want.Transactions[0].IMSI, got.Transactions[0].IMSI)
}
