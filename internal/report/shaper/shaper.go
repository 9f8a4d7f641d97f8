// Package shaper converts report results into their JSON response bodies.
package shaper

import (
	"bytes"
	"encoding/json"

	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/asr"
	"github.com/Adithya-Monish-Kumar-K/cdr-stats-api/internal/report/window"
)

// Database report statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// CallStatRecord is one extension in the /callstat response. Field order is
// the wire order.
type CallStatRecord struct {
	Extension          int     `json:"extension"`
	Name               string  `json:"name"`
	CallCount          int     `json:"call_count"`
	TotalTalkMinutes   float64 `json:"total_talk_minutes"`
	LongCallCount      int     `json:"long_call_count"`
	LongCallMinutes    float64 `json:"long_call_minutes"`
	UniqueDestinations int     `json:"unique_destinations"`
}

type CallStatResponse struct {
	Date   string               `json:"date"`
	Start  string               `json:"start,omitempty"`
	End    string               `json:"end,omitempty"`
	Data   []CallStatRecord     `json:"data"`
	Errors []report.SourceError `json:"errors,omitempty"`
}

// CallStat shapes the combined report for w.
func CallStat(w window.Window, combined []report.CombinedStat, errs []report.SourceError) CallStatResponse {
	resp := CallStatResponse{
		Date:   w.Label(),
		Data:   make([]CallStatRecord, 0, len(combined)),
		Errors: errs,
	}
	if w.Ranged {
		resp.Start = w.StartLabel()
		resp.End = w.EndLabel()
	}
	for _, c := range combined {
		resp.Data = append(resp.Data, CallStatRecord{
			Extension:          c.Extension,
			Name:               c.Name,
			CallCount:          c.CallCount,
			TotalTalkMinutes:   c.TotalTalkMinutes,
			LongCallCount:      c.LongCallCount,
			LongCallMinutes:    c.LongCallMinutes,
			UniqueDestinations: c.UniqueDestinations,
		})
	}
	return resp
}

type ASRRecord struct {
	CountryCode        string  `json:"country_code"`
	Country            string  `json:"country"`
	AnsweredCalls      int     `json:"answered_calls"`
	TotalCalls         int     `json:"total_calls"`
	ASRPercentage      float64 `json:"asr_percentage"`
	UniqueDestinations int     `json:"unique_destinations"`
	TotalTalkMinutes   float64 `json:"total_talk_minutes"`
}

// DatabaseReport is one source's ASR section: either data or an error.
type DatabaseReport struct {
	Status string
	Data   []ASRRecord
	Error  string
}

func (d DatabaseReport) MarshalJSON() ([]byte, error) {
	if d.Status == StatusError {
		return json.Marshal(struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}{d.Status, d.Error})
	}
	data := d.Data
	if data == nil {
		data = []ASRRecord{}
	}
	return json.Marshal(struct {
		Status string      `json:"status"`
		Data   []ASRRecord `json:"data"`
	}{d.Status, data})
}

// SourceSection is one named entry of Databases.
type SourceSection struct {
	Source string
	Report DatabaseReport
}

// Databases encodes as a JSON object keyed by source name, with keys in
// configured source order.
type Databases []SourceSection

func (d Databases) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, sec := range d {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(sec.Source)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(sec.Report)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type ASRResponse struct {
	Date      string    `json:"date"`
	Start     string    `json:"start,omitempty"`
	End       string    `json:"end,omitempty"`
	Databases Databases `json:"databases"`
}

// ASR shapes per-source ASR results for w. Sources are never combined.
func ASR(w window.Window, results []asr.Result) ASRResponse {
	resp := ASRResponse{
		Date:      w.Label(),
		Databases: make(Databases, 0, len(results)),
	}
	if w.Ranged {
		resp.Start = w.StartLabel()
		resp.End = w.EndLabel()
	}
	for _, r := range results {
		if r.Err != nil {
			resp.Databases = append(resp.Databases, SourceSection{r.Source, DatabaseReport{Status: StatusError, Error: r.Err.Error()}})
			continue
		}
		records := make([]ASRRecord, 0, len(r.Value))
		for _, c := range r.Value {
			records = append(records, ASRRecord{
				CountryCode:        c.Code,
				Country:            c.Country,
				AnsweredCalls:      c.AnsweredCalls,
				TotalCalls:         c.TotalCalls,
				ASRPercentage:      c.Percentage(),
				UniqueDestinations: c.UniqueDestinations,
				TotalTalkMinutes:   c.TalkMinutes,
			})
		}
		resp.Databases = append(resp.Databases, SourceSection{r.Source, DatabaseReport{Status: StatusOK, Data: records}})
	}
	return resp
}
