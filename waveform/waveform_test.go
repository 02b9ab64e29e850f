package waveform_test

import (
	"encoding/json"
	"errors"
	"math"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/isim/waveform"
)

func twoChannelSettings() waveform.Settings {
	s := waveform.DefaultSettings()
	s.Channels = []waveform.Channel{
		{Name: "488", Use: true, Exposure: 100},
		{Name: "561", Use: true, Exposure: 100},
	}
	s.Slices = []float64{0, 1, 2}
	s.UseSlices = true
	s.UseChannels = true
	s.PostDelay = 0.01
	s.PreDelay = 0.002
	return s
}

func testComposer() *waveform.Composer {
	c := waveform.NewComposer(waveform.DefaultConstants())
	c.AOTF.Power488 = 50
	c.AOTF.Power561 = 30
	return c
}

func TestTimingWorkedExample(t *testing.T) {
	s := waveform.DefaultSettings()
	tm := waveform.NewTiming(s, waveform.DefaultConstants())
	assert.InDelta(t, 10., tm.FrameRate, 1e-9)
	assert.Equal(t, 5000., tm.SampleRate)
	assert.Equal(t, 500, tm.SamplesPerFrame)
	assert.InDelta(t, 0.02, tm.DutyCycle, 1e-12)
	assert.False(t, tm.ExposureFallback)

	cam := waveform.Camera{Voltage: 5}.OneFrame(tm, waveform.Delays{})
	require.Len(t, cam, 500)
	high := 0
	for _, v := range cam {
		if v == 5 {
			high++
		}
	}
	assert.Equal(t, 10, high)
	assert.Equal(t, 5., cam[9])
	assert.Equal(t, 0., cam[10])
}

func TestTimingScalesWithSweeps(t *testing.T) {
	s := waveform.DefaultSettings()
	s.SweepsPerFrame = 2
	tm := waveform.NewTiming(s, waveform.DefaultConstants())
	// frame rate 5 Hz, sample rate 500*5*2*2
	assert.InDelta(t, 5., tm.FrameRate, 1e-9)
	assert.Equal(t, 10000., tm.SampleRate)
	assert.Equal(t, 1000, tm.SamplesPerFrame)
	assert.InDelta(t, 0.01, tm.DutyCycle, 1e-12)
}

func TestTimingFallsBackWithoutReference(t *testing.T) {
	s := waveform.DefaultSettings()
	s.Channels = []waveform.Channel{{Name: "561", Use: true, Exposure: 20}}
	tm := waveform.NewTiming(s, waveform.DefaultConstants())
	assert.True(t, tm.ExposureFallback)
	assert.Equal(t, 100., tm.Exposure)
}

func TestPulseDutyAndPurity(t *testing.T) {
	for _, spf := range []int{1, 2, 3, 7} {
		s := waveform.DefaultSettings()
		s.SweepsPerFrame = spf
		tm := waveform.NewTiming(s, waveform.DefaultConstants())
		p := waveform.Pulse(tm, 1, -1, 0)
		p2 := waveform.Pulse(tm, 1, -1, 0)
		assert.Empty(t, cmp.Diff(p, p2), "pulse is not pure")
		want := tm.HighSamples()
		got := 0
		for _, v := range p {
			if v == 1 {
				got++
			}
		}
		assert.Equal(t, want, got, "spf=%d", spf)
		assert.Len(t, p, tm.SamplesPerFrame)
	}
}

func TestPulseOffset(t *testing.T) {
	tm := waveform.NewTiming(waveform.DefaultSettings(), waveform.DefaultConstants())
	p := waveform.Pulse(tm, 0, 1, 2)
	assert.Equal(t, 2., p[0])
	assert.Equal(t, 3., p[len(p)-1])
}

func TestConvertZ(t *testing.T) {
	st := waveform.Stage{Calibration: 202.161, MaxVoltage: 10}
	assert.Equal(t, 0., st.ConvertZ(0))
	assert.InDelta(t, 10., st.ConvertZ(202.161), 1e-12)
	for _, z := range []float64{-50, 1, 33.3, 150} {
		v := st.ConvertZ(z)
		assert.InDelta(t, z, v/st.MaxVoltage*st.Calibration, 1e-9)
	}
}

func TestStageHoldsLevelThroughDelays(t *testing.T) {
	tm := waveform.NewTiming(waveform.DefaultSettings(), waveform.DefaultConstants())
	st := waveform.Stage{Calibration: 202.161, MaxVoltage: 10}
	row := st.OneFrame(tm, waveform.Delays{Pre: 0.01, Post: 0.02}, 20)
	require.Len(t, row, 500+50+100)
	want := st.ConvertZ(20)
	for i, v := range row {
		if v != want {
			t.Fatalf("sample %d: expected %f got %f", i, want, v)
		}
	}
}

func TestGalvoShape(t *testing.T) {
	c := waveform.DefaultConstants()
	g := waveform.Galvo{Offset: c.GalvoOffset, Amplitude: c.GalvoAmplitude, Parking: c.ParkingVoltage}
	tm := waveform.NewTiming(waveform.DefaultSettings(), c)
	row := g.OneFrame(tm, waveform.Delays{Pre: 0.001, Post: 0.002})
	require.Len(t, row, 5+500+10)
	for i := 0; i < 5; i++ {
		assert.Equal(t, c.ParkingVoltage, row[i])
	}
	for i := len(row) - 10; i < len(row); i++ {
		assert.Equal(t, c.ParkingVoltage, row[i])
	}
	scan := row[5 : 5+500]
	assert.InDelta(t, c.GalvoOffset, scan[0], 1e-12)
	// bottom of the first down ramp, top of the up ramp
	assert.InDelta(t, c.GalvoOffset-c.GalvoAmplitude, scan[124], 1e-12)
	assert.InDelta(t, c.GalvoOffset+c.GalvoAmplitude, scan[374], 1e-12)
	assert.InDelta(t, c.GalvoOffset, scan[499], 1e-12)
}

func TestGalvoTilesSweeps(t *testing.T) {
	c := waveform.DefaultConstants()
	g := waveform.Galvo{Offset: c.GalvoOffset, Amplitude: c.GalvoAmplitude, Parking: c.ParkingVoltage}
	s := waveform.DefaultSettings()
	s.SweepsPerFrame = 3
	tm := waveform.NewTiming(s, c)
	row := g.OneFrame(tm, waveform.Delays{})
	require.Len(t, row, 1500)
	assert.Empty(t, cmp.Diff(row[:500], row[500:1000]))
	assert.Empty(t, cmp.Diff(row[:500], row[1000:]))
}

func TestCameraDelaysBothAppended(t *testing.T) {
	tm := waveform.NewTiming(waveform.DefaultSettings(), waveform.DefaultConstants())
	row := waveform.Camera{Voltage: 5}.OneFrame(tm, waveform.Delays{Pre: 0.01, Post: 0.01})
	require.Len(t, row, 600)
	assert.Equal(t, 5., row[0], "trigger must lead the row")
	for _, v := range row[10:] {
		assert.Equal(t, 0., v)
	}
}

func TestAOTFLines(t *testing.T) {
	tm := waveform.NewTiming(waveform.DefaultSettings(), waveform.DefaultConstants())
	a := waveform.AOTF{BlankVoltage: 10, Power488: 50, Power561: 30}
	m, err := a.OneFrame(tm, waveform.Delays{Pre: 0.01}, "561")
	require.NoError(t, err)
	require.Equal(t, 3, m.Rows())
	require.NoError(t, m.Validate())
	assert.Equal(t, 0., m[0][0], "pre delay is prepended at zero")
	assert.Equal(t, 10., m[0][m.Cols()-1])
	assert.Equal(t, 0., m[1][m.Cols()-1])
	assert.Equal(t, 3., m[2][m.Cols()-1])

	led, err := a.OneFrame(tm, waveform.Delays{}, "LED")
	require.NoError(t, err)
	for _, v := range append(led[1], led[2]...) {
		assert.Equal(t, 0., v)
	}

	_, err = a.OneFrame(tm, waveform.Delays{}, "640")
	assert.True(t, errors.Is(err, waveform.ErrUnknownChannel))
}

func TestBrightfieldPulse(t *testing.T) {
	tm := waveform.NewTiming(waveform.DefaultSettings(), waveform.DefaultConstants())
	row := waveform.Brightfield{Voltage: 0.3}.OneFrame(tm)
	require.Len(t, row, 500)
	assert.Equal(t, 0., row[0])
	assert.Equal(t, 0.3, row[499])

	c := waveform.DefaultConstants()
	c.LEDVoltage = 0.7
	assert.Equal(t, 0.7, waveform.NewComposer(c).LEDLevel(tm))
	assert.Equal(t, 0.7, waveform.NewComposer(c).LEDLevel(waveform.Timing{}))
}

func TestFramesAreTimeAligned(t *testing.T) {
	comp := testComposer()
	cases := []func(*waveform.Settings){
		func(s *waveform.Settings) {},
		func(s *waveform.Settings) { s.SweepsPerFrame = 3 },
		func(s *waveform.Settings) { s.PreDelay = 0; s.PostDelay = 0 },
		func(s *waveform.Settings) { s.Order = waveform.SlicesThenChannels },
		func(s *waveform.Settings) { s.UseChannels = false },
		func(s *waveform.Settings) { s.UseSlices = false },
	}
	for i, mod := range cases {
		s := twoChannelSettings()
		mod(&s)
		tm := waveform.NewTiming(s, comp.Consts)
		m, err := comp.Timepoint(s, tm, "", false)
		require.NoError(t, err, "case %d", i)
		assert.Equal(t, waveform.NumRows, m.Rows(), "case %d", i)
		assert.NoError(t, m.Validate(), "case %d", i)
	}
}

type pair struct {
	channel string
	stage   float64
}

// decode splits a timepoint into frames and identifies each frame's channel and stage level
func decode(t *testing.T, m waveform.Matrix, frameLen int) []pair {
	require.Zero(t, m.Cols()%frameLen)
	var out []pair
	for start := 0; start < m.Cols(); start += frameLen {
		end := start + frameLen
		p := pair{stage: m[waveform.RowStage][start]}
		switch {
		case maxOf(m[waveform.Row488][start:end]) > 0:
			p.channel = "488"
		case maxOf(m[waveform.Row561][start:end]) > 0:
			p.channel = "561"
		default:
			p.channel = "LED"
		}
		out = append(out, p)
	}
	return out
}

func maxOf(s []float64) float64 {
	m := s[0]
	for _, v := range s {
		if v > m {
			m = v
		}
	}
	return m
}

func frameLen(s waveform.Settings, tm waveform.Timing) int {
	return tm.SamplesPerFrame + tm.DelaySamples(s.PreDelay) + tm.DelaySamples(s.PostDelay)
}

func TestOrderingsCoverSamePairs(t *testing.T) {
	comp := testComposer()
	s := twoChannelSettings()
	tm := waveform.NewTiming(s, comp.Consts)
	cts, err := comp.Timepoint(s, tm, "", false)
	require.NoError(t, err)
	s.Order = waveform.SlicesThenChannels
	stc, err := comp.Timepoint(s, tm, "", false)
	require.NoError(t, err)
	require.Equal(t, cts.Cols(), stc.Cols())

	fl := frameLen(s, tm)
	a, b := decode(t, cts, fl), decode(t, stc, fl)
	require.Len(t, a, 6)
	sorter := func(p []pair) {
		sort.Slice(p, func(i, j int) bool {
			if p[i].channel != p[j].channel {
				return p[i].channel < p[j].channel
			}
			return p[i].stage < p[j].stage
		})
	}
	ordA := append([]pair(nil), a...)
	sorter(a)
	sorter(b)
	assert.Equal(t, a, b)

	// channels then slices: 488,561 at slice 0, then slice 1 ...
	st := comp.Stage
	assert.Equal(t, []pair{
		{"488", 0}, {"561", 0},
		{"488", st.ConvertZ(1)}, {"561", st.ConvertZ(1)},
		{"488", st.ConvertZ(2)}, {"561", st.ConvertZ(2)},
	}, ordA)
}

func TestSlicesThenChannelsAlternates(t *testing.T) {
	comp := testComposer()
	s := twoChannelSettings()
	s.Order = waveform.SlicesThenChannels
	tm := waveform.NewTiming(s, comp.Consts)
	m, err := comp.Timepoint(s, tm, "", false)
	require.NoError(t, err)
	st := comp.Stage
	assert.Equal(t, []pair{
		{"488", 0}, {"488", st.ConvertZ(1)}, {"488", st.ConvertZ(2)},
		{"561", st.ConvertZ(2)}, {"561", st.ConvertZ(1)}, {"561", 0},
	}, decode(t, m, frameLen(s, tm)))
}

func TestZInverseReversesSlices(t *testing.T) {
	comp := testComposer()
	s := twoChannelSettings()
	tm := waveform.NewTiming(s, comp.Consts)
	fwd, err := comp.Timepoint(s, tm, "", false)
	require.NoError(t, err)
	rev, err := comp.Timepoint(s, tm, "", true)
	require.NoError(t, err)
	fl := frameLen(s, tm)
	a, b := decode(t, fwd, fl), decode(t, rev, fl)
	// slice order reverses, channel order within a slice does not
	for i := 0; i < 3; i++ {
		assert.Equal(t, a[2*i], b[2*(2-i)])
		assert.Equal(t, a[2*i+1], b[2*(2-i)+1])
	}
}

func TestSingleFrameUsesLivePostDelay(t *testing.T) {
	comp := testComposer()
	s := twoChannelSettings()
	s.PostDelay = 0.5
	s.PreDelay = 0
	tm := waveform.NewTiming(s, comp.Consts)
	m, err := comp.Timepoint(s, tm, "561", false)
	require.NoError(t, err)
	assert.Equal(t, tm.SamplesPerFrame+tm.DelaySamples(comp.Consts.LivePostDelay), m.Cols())
	assert.Equal(t, "561", decode(t, m, m.Cols())[0].channel)

	s.UseChannels, s.UseSlices = false, false
	m, err = comp.Timepoint(s, tm, "", false)
	require.NoError(t, err)
	assert.Equal(t, "488", decode(t, m, m.Cols())[0].channel)
}

func TestSingleFrameMissingChannel(t *testing.T) {
	comp := testComposer()
	s := twoChannelSettings()
	tm := waveform.NewTiming(s, comp.Consts)
	_, err := comp.Timepoint(s, tm, "640", false)
	assert.True(t, errors.Is(err, waveform.ErrMissingChannel))

	m, err := comp.Timepoint(s, tm, "LED", false)
	require.NoError(t, err)
	assert.Equal(t, "LED", decode(t, m, m.Cols())[0].channel)
}

func TestEmptySequence(t *testing.T) {
	comp := testComposer()
	s := twoChannelSettings()
	for i := range s.Channels {
		s.Channels[i].Use = false
	}
	tm := waveform.NewTiming(s, comp.Consts)
	_, err := comp.Timepoint(s, tm, "", false)
	assert.True(t, errors.Is(err, waveform.ErrEmptySequence))

	s = twoChannelSettings()
	s.Slices = nil
	_, err = comp.Timepoint(s, tm, "", false)
	assert.True(t, errors.Is(err, waveform.ErrEmptySequence))
}

func TestMatrixOps(t *testing.T) {
	m := waveform.Matrix{{1, 2}, {3, 4}}
	tiled := m.Tile(2)
	assert.Empty(t, cmp.Diff(waveform.Matrix{{1, 2, 1, 2}, {3, 4, 3, 4}}, tiled))
	h, err := waveform.HStack(m, waveform.Matrix{{5}, {6}})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 4}, m.Column(1))
	assert.Equal(t, []float64{5, 6}, h.Last())
	_, err = waveform.HStack(m, waveform.Matrix{{5}})
	assert.True(t, errors.Is(err, waveform.ErrShape))
	assert.Error(t, waveform.Matrix{{1}, {1, 2}}.Validate())
}

func TestParkedAndIdle(t *testing.T) {
	comp := testComposer()
	assert.Equal(t, []float64{-3, 0, 0, 0, 0, 0}, comp.Parked().Column(0))
	idle := comp.Idle(3, 1.5)
	assert.Equal(t, []float64{-3, 1.5, 0, 0, 0, 0}, idle.Column(2))
}

func TestSettingsJSON(t *testing.T) {
	raw := `{"channels":[{"name":"488","use":true,"exposure_ms":50}],"sweeps_per_frame":1,"acq_order":1}`
	var s waveform.Settings
	require.NoError(t, json.Unmarshal([]byte(raw), &s))
	assert.Equal(t, waveform.SlicesThenChannels, s.Order)
	require.NoError(t, json.Unmarshal([]byte(`{"acq_order":"channels-then-slices"}`), &s))
	assert.Equal(t, waveform.ChannelsThenSlices, s.Order)

	b, err := json.Marshal(waveform.SlicesThenChannels)
	require.NoError(t, err)
	assert.Equal(t, `"slices-then-channels"`, string(b))
}

func TestSettingsValidateAndClone(t *testing.T) {
	s := waveform.DefaultSettings()
	assert.NoError(t, s.Validate())
	s.SweepsPerFrame = 0
	assert.True(t, errors.Is(s.Validate(), waveform.ErrInvalidSettings))
	s = waveform.DefaultSettings()
	s.Channels[1].Exposure = math.NaN()
	assert.True(t, errors.Is(s.Validate(), waveform.ErrInvalidSettings))

	s = waveform.DefaultSettings()
	c, ok := s.WithExposure("488", 20)
	require.True(t, ok)
	assert.Equal(t, 100., s.Channels[0].Exposure, "original must be untouched")
	assert.Equal(t, 20., c.Channels[0].Exposure)
	_, ok = s.WithExposure("640", 20)
	assert.False(t, ok)
}
