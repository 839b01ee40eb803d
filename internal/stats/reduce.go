package stats

import (
	"math"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/dqmtools/syncmon/internal/wire"
)

// Document types with known structure.
const (
	TypeSourceState = "dqm-source-state"
	TypeFiles       = "dqm-files"
)

// DefaultLumiLength is the length of one luminosity section in seconds.
const DefaultLumiLength = 23.310893056

// StreamStats summarises file delivery for one stream of a run.
type StreamStats struct {
	Files       int     `json:"files"`
	DelayMean   float64 `json:"delay_mean"`
	DelayStdDev float64 `json:"delay_stddev"`
	MaxEvents   int64   `json:"max_events"`
	MaxRate     float64 `json:"max_rate"`
}

// Stats is the derived summary of one run.
type Stats struct {
	Run       int64          `json:"run"`
	Watermark *wire.Revision `json:"watermark"`

	Documents int      `json:"documents"`
	Hosts     []string `json:"hosts,omitempty"`

	Jobs     int `json:"jobs"`
	Running  int `json:"running"`
	Finished int `json:"finished"`
	Crashed  int `json:"crashed"`

	Streams map[string]StreamStats `json:"streams,omitempty"`

	// Malformed counts documents whose content could not be used in full.
	Malformed int `json:"malformed,omitempty"`
}

// JobState classifies a job document by its exit code.
type JobState int

const (
	JobRunning JobState = iota
	JobFinished
	JobCrashed
)

// ClassifyExitCode maps an exit_code value to a job state: absent or null is
// running, zero is finished, anything else crashed.
func ClassifyExitCode(v gjson.Result) JobState {
	switch {
	case !v.Exists() || v.Type == gjson.Null:
		return JobRunning
	case v.Type == gjson.Number && v.Int() == 0:
		return JobFinished
	default:
		return JobCrashed
	}
}

// Reduce computes the summary of run from its documents. Placeholders and
// malformed content contribute what they can.
func Reduce(run int64, docs map[string]wire.Document) *Stats {
	st := &Stats{Run: run}

	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	hosts := make(map[string]bool)
	delays := make(map[string][]float64)

	for _, id := range ids {
		doc := docs[id]
		st.Documents++

		if doc.Header != nil && doc.Header.Hostname != "" {
			hosts[doc.Header.Hostname] = true
		}
		if !doc.Full {
			continue
		}
		if !gjson.ValidBytes(doc.Body) {
			st.Malformed++
			continue
		}

		body := gjson.ParseBytes(doc.Body)
		if h := body.Get("hostname"); h.Type == gjson.String {
			hosts[h.Str] = true
		}

		typ := body.Get("type").String()
		if typ == "" && doc.Header != nil {
			typ = doc.Header.Type
		}

		switch typ {
		case TypeSourceState:
			st.Jobs++
			switch ClassifyExitCode(body.Get("exit_code")) {
			case JobRunning:
				st.Running++
			case JobFinished:
				st.Finished++
			case JobCrashed:
				st.Crashed++
			}
		case TypeFiles:
			if !reduceFiles(st, body, delays) {
				st.Malformed++
			}
		}
	}

	for h := range hosts {
		st.Hosts = append(st.Hosts, h)
	}
	sort.Strings(st.Hosts)

	for name, d := range delays {
		ss := st.Streams[name]
		ss.DelayMean, ss.DelayStdDev = meanAndStdDev(d)
		st.Streams[name] = ss
	}
	return st
}

// reduceFiles folds extra.streams of one files document into st. It reports
// false if any part of the document had to be skipped.
func reduceFiles(st *Stats, body gjson.Result, delays map[string][]float64) bool {
	extra := body.Get("extra")
	streams := extra.Get("streams")
	if !streams.IsObject() {
		return false
	}

	lumiLength := DefaultLumiLength
	if l := extra.Get("lumi"); l.Type == gjson.Number && l.Float() > 0 {
		lumiLength = l.Float()
	}
	start := extra.Get("global_start")
	clean := true

	streams.ForEach(func(key, stream gjson.Result) bool {
		if st.Streams == nil {
			st.Streams = make(map[string]StreamStats)
		}
		name := key.String()
		ss := st.Streams[name]

		lumis := stream.Get("lumis").Array()
		mtimes := stream.Get("mtimes").Array()
		events := stream.Get("evt_accepted").Array()

		if len(mtimes) != len(lumis) || (len(events) != 0 && len(events) != len(lumis)) {
			clean = false
		}

		for i, lumi := range lumis {
			if lumi.Type != gjson.Number {
				clean = false
				continue
			}
			ss.Files++

			if i < len(events) && events[i].Type == gjson.Number {
				n := events[i].Int()
				if n > ss.MaxEvents {
					ss.MaxEvents = n
				}
				if rate := float64(n) / lumiLength; rate > ss.MaxRate {
					ss.MaxRate = rate
				}
			}

			if start.Type == gjson.Number && i < len(mtimes) && mtimes[i].Type == gjson.Number {
				expected := start.Float() + lumi.Float()*lumiLength
				delays[name] = append(delays[name], mtimes[i].Float()-expected)
			}
		}

		st.Streams[name] = ss
		return true
	})
	return clean
}

// meanAndStdDev computes mean and population standard deviation.
func meanAndStdDev(values []float64) (mean float64, stdDev float64) {
	if len(values) == 0 {
		return 0, 0
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}
