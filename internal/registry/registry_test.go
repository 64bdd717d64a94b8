// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type stubStack struct{ mock.Mock }

func (s *stubStack) RegisterObject(p Point) error {
	return s.Called(p).Error(0)
}

func (s *stubStack) SyncObject(p Point) error {
	return s.Called(p).Error(0)
}

func newStubStack() *stubStack {
	s := &stubStack{}
	s.On("RegisterObject", mock.Anything).Return(nil).Maybe()
	s.On("SyncObject", mock.Anything).Return(nil).Maybe()
	return s
}

var testDevice = Device{ID: 1234, Name: "PythonSimDevice", Address: "127.0.0.1/24"}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"AI", AnalogInput},
		{"ao", AnalogOutput},
		{"Av", AnalogValue},
		{"BV", BinaryValue},
		{"analog-input", AnalogInput},
		{"binary_value", BinaryValue},
		{"analogValue", AnalogValue},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "BI", "device", "A I"} {
		_, err := ParseKind(bad)
		assert.ErrorIs(t, err, ErrInvalidKind, bad)
	}
}

func TestKindCodes(t *testing.T) {
	codes := make([]string, 0, len(Kinds))
	for _, k := range Kinds {
		codes = append(codes, k.Code())
	}
	assert.Equal(t, []string{"AI", "AO", "AV", "BV"}, codes)
	assert.False(t, AnalogInput.Writable())
	assert.True(t, BinaryValue.Writable())
	assert.False(t, Kind(0).Valid())
}

func TestNewPoint(t *testing.T) {
	p, err := NewPoint(BinaryValue, 3, "Pump", 1)
	require.NoError(t, err)
	assert.Equal(t, Key{Kind: BinaryValue, Instance: 3}, p.Key())

	_, err = NewPoint(Kind(9), 1, "x", 0)
	assert.ErrorIs(t, err, ErrInvalidKind)

	_, err = NewPoint(AnalogValue, MaxInstance+1, "x", 0)
	assert.ErrorIs(t, err, ErrInvalidInstance)

	_, err = NewPoint(BinaryValue, 1, "x", 0.5)
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = NewPoint(AnalogInput, 1, "x", math.NaN())
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = NewPoint(AnalogInput, 1, "x", math.Inf(-1))
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = NewPoint(AnalogValue, 1, "", 0)
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestCreateEmptyNameSkipsStack(t *testing.T) {
	// no expectations: any stack call fails the test
	stack := &stubStack{}
	r := New(testDevice, stack)

	_, err := r.CreatePoint(AnalogValue, 1, "", 20)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidName)
	assert.NotErrorIs(t, err, ErrStackRegistration)
	assert.Zero(t, r.Len())
	stack.AssertNotCalled(t, "RegisterObject", mock.Anything)

	err = r.Seed([]Point{{Kind: BinaryValue, Instance: 1, Name: ""}})
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestCreateAndList(t *testing.T) {
	stack := newStubStack()
	r := New(testDevice, stack)

	assert.Empty(t, r.ListPoints())
	assert.NotNil(t, r.ListPoints())

	p, err := r.CreatePoint(AnalogInput, 7, "T1", 20)
	require.NoError(t, err)
	assert.Equal(t, Point{Kind: AnalogInput, Instance: 7, Name: "T1", Value: 20}, p)

	_, err = r.CreatePoint(BinaryValue, 7, "Pump", 1)
	require.NoError(t, err, "instances are unique per kind")

	points := r.ListPoints()
	require.Len(t, points, 2)
	assert.Equal(t, p, points[0])
	assert.Equal(t, BinaryValue, points[1].Kind)

	stack.AssertNumberOfCalls(t, "RegisterObject", 2)
	stack.AssertCalled(t, "RegisterObject", p)
}

func TestCreateDuplicateLeavesValue(t *testing.T) {
	stack := newStubStack()
	r := New(testDevice, stack)

	_, err := r.CreatePoint(AnalogValue, 1, "Setpoint1", 21)
	require.NoError(t, err)

	_, err = r.CreatePoint(AnalogValue, 1, "Other", 99)
	assert.ErrorIs(t, err, ErrDuplicateKey)

	p, err := r.Get(AnalogValue, 1)
	require.NoError(t, err)
	assert.Equal(t, "Setpoint1", p.Name)
	assert.Equal(t, 21.0, p.Value)
	stack.AssertNumberOfCalls(t, "RegisterObject", 1)
}

func TestCreateRollsBackOnStackFailure(t *testing.T) {
	stack := &stubStack{}
	stack.On("RegisterObject", mock.MatchedBy(func(p Point) bool { return p.Instance == 2 })).
		Return(errors.New("object index full"))
	stack.On("RegisterObject", mock.Anything).Return(nil)

	r := New(testDevice, stack)
	_, err := r.CreatePoint(AnalogOutput, 1, "ValvePosition", 50)
	require.NoError(t, err)

	_, err = r.CreatePoint(AnalogOutput, 2, "Damper", 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStackRegistration)
	assert.Contains(t, err.Error(), "object index full")

	assert.Len(t, r.ListPoints(), 1)
	_, err = r.Get(AnalogOutput, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateValue(t *testing.T) {
	stack := newStubStack()
	r := New(testDevice, stack)

	_, err := r.CreatePoint(AnalogInput, 7, "T1", 20)
	require.NoError(t, err)
	_, err = r.CreatePoint(BinaryValue, 1, "PumpStatus", 1)
	require.NoError(t, err)

	p, err := r.UpdateValue(AnalogInput, 7, 23.5)
	require.NoError(t, err)
	assert.Equal(t, 23.5, p.Value)
	stack.AssertCalled(t, "SyncObject", Point{Kind: AnalogInput, Instance: 7, Name: "T1", Value: 23.5})

	points := r.ListPoints()
	assert.Equal(t, 23.5, points[0].Value)
	assert.Equal(t, 1.0, points[1].Value, "other points are untouched")

	_, err = r.UpdateValue(AnalogInput, 99, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, points, r.ListPoints())

	_, err = r.UpdateValue(BinaryValue, 1, 2)
	assert.ErrorIs(t, err, ErrInvalidValue)
	_, err = r.UpdateValue(AnalogInput, 7, math.NaN())
	assert.ErrorIs(t, err, ErrInvalidValue)
	assert.Equal(t, points, r.ListPoints())
}

func TestUpdateValueRestoresOnSyncFailure(t *testing.T) {
	stack := &stubStack{}
	stack.On("RegisterObject", mock.Anything).Return(nil)
	stack.On("SyncObject", mock.Anything).Return(errors.New("unknown object"))

	r := New(testDevice, stack)
	_, err := r.CreatePoint(AnalogValue, 1, "Setpoint1", 21)
	require.NoError(t, err)

	_, err = r.UpdateValue(AnalogValue, 1, 30)
	assert.ErrorIs(t, err, ErrStackRegistration)

	p, err := r.Get(AnalogValue, 1)
	require.NoError(t, err)
	assert.Equal(t, 21.0, p.Value)
}

func TestOnChange(t *testing.T) {
	r := New(testDevice, nil)

	var events []Event
	r.OnChange(func(ev Event) { events = append(events, ev) })

	_, err := r.CreatePoint(AnalogValue, 1, "Setpoint1", 21)
	require.NoError(t, err)
	_, err = r.UpdateValue(AnalogValue, 1, 22)
	require.NoError(t, err)
	_, err = r.UpdateValue(AnalogValue, 2, 22)
	require.Error(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, EventCreated, events[0].Type)
	assert.Equal(t, EventUpdated, events[1].Type)
	assert.Equal(t, 21.0, events[1].Previous)
	assert.Equal(t, 22.0, events[1].Point.Value)
}

func TestEventSeq(t *testing.T) {
	r := New(testDevice, nil)

	var mu sync.Mutex
	seqs := map[uint64]bool{}
	r.OnChange(func(ev Event) {
		mu.Lock()
		seqs[ev.Seq] = true
		mu.Unlock()
	})

	_, err := r.CreatePoint(AnalogValue, 1, "Setpoint1", 21)
	require.NoError(t, err)
	_, seq := r.Snapshot()
	assert.Equal(t, uint64(1), seq)

	// failed changes do not consume a sequence number
	_, err = r.UpdateValue(AnalogValue, 2, 22)
	require.Error(t, err)
	_, err = r.CreatePoint(AnalogValue, 1, "again", 0)
	require.Error(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(v float64) {
			defer wg.Done()
			_, err := r.UpdateValue(AnalogValue, 1, v)
			assert.NoError(t, err)
		}(float64(i))
	}
	wg.Wait()

	points, seq := r.Snapshot()
	assert.Equal(t, uint64(51), seq)
	assert.Len(t, points, 1)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seqs, 51)
	for i := uint64(1); i <= 51; i++ {
		assert.True(t, seqs[i], "seq %d", i)
	}
}

func TestListenerMayCallBack(t *testing.T) {
	r := New(testDevice, nil)

	var seen int
	r.OnChange(func(Event) { seen = r.Len() })

	_, err := r.CreatePoint(AnalogInput, 1, "T", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestConcurrentCreateSameKey(t *testing.T) {
	stack := newStubStack()
	r := New(testDevice, stack)

	const workers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		dupes     int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := r.CreatePoint(AnalogValue, 5, "racer", float64(i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrDuplicateKey):
				dupes++
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, dupes)
	assert.Len(t, r.ListPoints(), 1)
	stack.AssertNumberOfCalls(t, "RegisterObject", 1)
}

func TestConcurrentUpdatesAndSnapshots(t *testing.T) {
	r := New(testDevice, newStubStack())
	for i := uint32(0); i < 4; i++ {
		_, err := r.CreatePoint(AnalogValue, i, "p", 0)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, err := r.UpdateValue(AnalogValue, uint32(i%4), float64(w))
				assert.NoError(t, err)
				assert.Len(t, r.ListPoints(), 4)
			}
		}(w)
	}
	wg.Wait()
}

func TestScenario(t *testing.T) {
	r := New(testDevice, newStubStack())

	_, err := r.CreatePoint(AnalogInput, 7, "T1", 20)
	require.NoError(t, err)
	assert.Contains(t, r.ListPoints(), Point{Kind: AnalogInput, Instance: 7, Name: "T1", Value: 20})

	_, err = r.UpdateValue(AnalogInput, 7, 23.5)
	require.NoError(t, err)

	_, err = r.UpdateValue(AnalogInput, 99, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.CreatePoint(AnalogInput, 7, "T1", 20)
	assert.ErrorIs(t, err, ErrDuplicateKey)

	points := r.ListPoints()
	require.Len(t, points, 1)
	assert.Equal(t, 23.5, points[0].Value)
}

func TestSeed(t *testing.T) {
	r := New(testDevice, newStubStack())

	custom := []Point{{Kind: AnalogInput, Instance: 1, Name: "Outdoor", Value: 5}}
	require.NoError(t, r.Seed(custom))
	require.NoError(t, r.Seed(DefaultSeed))

	points := r.ListPoints()
	require.Len(t, points, 4)
	assert.Equal(t, "Outdoor", points[0].Name)

	err := r.Seed([]Point{{Kind: BinaryValue, Instance: 9, Name: "bad", Value: 3}})
	assert.ErrorIs(t, err, ErrInvalidValue)
}
