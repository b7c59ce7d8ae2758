package orch

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/dkeye/ClinicCall/internal/app"
	appmocks "github.com/dkeye/ClinicCall/internal/app/mocks"
	"github.com/dkeye/ClinicCall/internal/core"
	coremocks "github.com/dkeye/ClinicCall/internal/core/mocks"
	"github.com/dkeye/ClinicCall/internal/domain"
	"github.com/dkeye/ClinicCall/internal/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/mock/gomock"
)

func offerTo(uid domain.UserID) *protocol.Relay {
	return &protocol.Relay{Type: protocol.TypeOffer, To: string(uid), Offer: json.RawMessage(`{}`)}
}

func TestSend_PolicyActions(t *testing.T) {
	tests := []struct {
		name   string
		action app.BackpressureAction
		closes int
	}{
		{"kick", app.KickMember, 1},
		{"drop", app.DropFrame, 0},
		{"none", app.NoAction, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			h := newHarness(t)
			policy := appmocks.NewMockPolicy(ctrl)
			h.o.Policy = policy

			sc := coremocks.NewMockSignalConnection(ctrl)
			sc.EXPECT().TrySend(gomock.Any()).Return(core.ErrBackpressure)
			policy.EXPECT().OnBackPressure(core.ConnID(""), domain.UserID("y")).Return(tt.action)
			sc.EXPECT().Close().Times(tt.closes)

			err := h.o.send(sc, "y", protocol.TypeOffer, offerTo("y"))
			if !errors.Is(err, core.ErrBackpressure) {
				t.Fatalf("err = %v", err)
			}
			if v := testutil.ToFloat64(h.m.Backpressure); v != 1 {
				t.Fatalf("backpressure = %v", v)
			}
		})
	}
}

func TestSend_ClosedConnSkipsPolicy(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := newHarness(t)
	h.o.Policy = appmocks.NewMockPolicy(ctrl)

	sc := coremocks.NewMockSignalConnection(ctrl)
	sc.EXPECT().TrySend(gomock.Any()).Return(core.ErrConnClosed)

	if err := h.o.send(sc, "y", protocol.TypeOffer, offerTo("y")); !errors.Is(err, core.ErrConnClosed) {
		t.Fatalf("err = %v", err)
	}
	if v := testutil.ToFloat64(h.m.Backpressure); v != 0 {
		t.Fatalf("backpressure = %v", v)
	}
}

func TestSend_DeliversEncodedFrame(t *testing.T) {
	ctrl := gomock.NewController(t)
	h := newHarness(t)

	sc := coremocks.NewMockSignalConnection(ctrl)
	sc.EXPECT().TrySend(gomock.Any()).DoAndReturn(func(fr core.Frame) error {
		var m map[string]any
		if err := json.Unmarshal(fr, &m); err != nil || m["type"] != string(protocol.TypeOffer) || m["to"] != "y" {
			t.Errorf("frame = %s", fr)
		}
		return nil
	})

	if err := h.o.send(sc, "y", protocol.TypeOffer, offerTo("y")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if v := testutil.ToFloat64(h.m.MessagesTotal.WithLabelValues(string(protocol.TypeOffer), "outbound")); v != 1 {
		t.Fatalf("outbound = %v", v)
	}
}
