package audio

import (
	"encoding/binary"
	"math"
)

const (
	DefaultVADThreshold = 300.0
	DefaultVADSmoothing = 4
)

// VAD is an energy detector over 10ms PCM16LE mono frames. A frame counts as
// speech when its RMS reaches Threshold; the decision is a majority vote over
// the last SmoothN frames.
type VAD struct {
	threshold  float64
	smoothN    int
	frameBytes int

	win      []bool
	speaking bool
	carry    []byte
}

func NewVAD(threshold float64, smoothN, sampleRate int) *VAD {
	if threshold <= 0 {
		threshold = DefaultVADThreshold
	}
	if smoothN <= 0 {
		smoothN = DefaultVADSmoothing
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &VAD{threshold: threshold, smoothN: smoothN, frameBytes: sampleRate / 100 * 2}
}

// Feed consumes arbitrary-length audio and reports whether speech started
// somewhere inside it.
func (v *VAD) Feed(pcm []byte) (started bool) {
	data := pcm
	if len(v.carry) > 0 {
		data = append(v.carry, pcm...)
		v.carry = nil
	}
	off := 0
	for ; off+v.frameBytes <= len(data); off += v.frameBytes {
		if v.frame(data[off : off+v.frameBytes]) {
			started = true
		}
	}
	if off < len(data) {
		v.carry = append([]byte(nil), data[off:]...)
	}
	return started
}

func (v *VAD) frame(b []byte) (rising bool) {
	var sum float64
	n := len(b) / 2
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(b[i*2:])))
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))
	v.win = append(v.win, rms >= v.threshold)
	if len(v.win) > v.smoothN {
		v.win = v.win[len(v.win)-v.smoothN:]
	}
	votes := 0
	for _, x := range v.win {
		if x {
			votes++
		}
	}
	now := votes*2 > len(v.win)
	rising = now && !v.speaking
	v.speaking = now
	return rising
}

func (v *VAD) Speaking() bool { return v.speaking }

func (v *VAD) Reset() {
	v.win = v.win[:0]
	v.speaking = false
	v.carry = nil
}
