/*
Package pbs reads batch-scheduler accounting logs.

PURPOSE:
  Holds and charges are usually posted on behalf of scheduler jobs. This
  package turns accounting log lines into ledger.Job records so holds and
  charges can be correlated with the job that caused them.

RECORD FORMAT:
  One record per line, four ';'-separated fields:

    04/12/2024 13:45:10;E;4242.head;user=alice group=chem queue=batch Exit_status=0

  1. timestamp  MM/DD/YYYY HH:MM:SS (UTC)
  2. type       single letter (Q queued, S started, E ended, D deleted, A aborted, ...)
  3. job ID
  4. attributes space-separated key=value pairs, possibly empty

  Durations (resources_used.walltime, Resource_List.walltime, ...) are H:M:S.

MERGING:
  A job appears once per state change. Import merges all records for a job
  in log order; a later record's value wins for each attribute.

SEE ALSO:
  - ledger/types.go: Job
*/
package pbs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/warp/allocation-ledger/ledger"
)

const timestampLayout = "01/02/2006 15:04:05"

// MaxLineBytes bounds one accounting record. Records with many resource
// attributes run well past bufio's 64 KiB default.
const MaxLineBytes = 1 << 20

// Record is one parsed accounting log line.
type Record struct {
	Time       time.Time
	Type       string
	JobID      string
	Attributes map[string]string
}

// ParseRecord parses one accounting log line. Malformed input is an
// *ledger.ArgumentError.
func ParseRecord(line string) (Record, error) {
	fields := strings.SplitN(strings.TrimSpace(line), ";", 4)
	if len(fields) < 3 {
		return Record{}, malformed("expected at least 3 ';'-separated fields")
	}

	ts, err := time.ParseInLocation(timestampLayout, fields[0], time.UTC)
	if err != nil {
		return Record{}, malformed("bad timestamp " + strconv.Quote(fields[0]))
	}

	rec := Record{
		Time:       ts,
		Type:       fields[1],
		JobID:      fields[2],
		Attributes: make(map[string]string),
	}
	if rec.Type == "" {
		return Record{}, malformed("empty record type")
	}
	if rec.JobID == "" {
		return Record{}, malformed("empty job id")
	}

	if len(fields) == 4 {
		for _, kv := range strings.Fields(fields[3]) {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return Record{}, malformed("bad attribute " + strconv.Quote(kv))
			}
			rec.Attributes[k] = v
		}
	}
	return rec, nil
}

func malformed(reason string) error {
	return &ledger.ArgumentError{Op: "parse job record", Reason: reason}
}

// ParseDuration parses an H:M:S duration. Hours are unbounded.
func ParseDuration(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, &ledger.ArgumentError{Op: "parse duration", Reason: "expected H:M:S, got " + strconv.Quote(s)}
	}

	var n [3]int64
	for i, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil || v < 0 {
			return 0, &ledger.ArgumentError{Op: "parse duration", Reason: "bad component " + strconv.Quote(p)}
		}
		n[i] = v
	}
	if n[1] >= 60 || n[2] >= 60 {
		return 0, &ledger.ArgumentError{Op: "parse duration", Reason: "minutes and seconds must be below 60: " + s}
	}

	return time.Duration(n[0])*time.Hour + time.Duration(n[1])*time.Minute + time.Duration(n[2])*time.Second, nil
}

// Duration returns attribute key parsed as H:M:S. ok is false if the
// attribute is absent.
func (r Record) Duration(key string) (d time.Duration, ok bool, err error) {
	v, present := r.Attributes[key]
	if !present {
		return 0, false, nil
	}
	d, err = ParseDuration(v)
	return d, true, err
}

// Job maps the record onto a ledger job. Unparseable optional fields are
// left zero; the raw value stays in Attributes.
func (r Record) Job() *ledger.Job {
	j := &ledger.Job{
		ID:         r.JobID,
		UserName:   r.Attributes["user"],
		Group:      r.Attributes["group"],
		Account:    r.Attributes["account"],
		Name:       r.Attributes["jobname"],
		Queue:      r.Attributes["queue"],
		Attributes: maps.Clone(r.Attributes),
	}
	if v, ok := r.Attributes["Exit_status"]; ok {
		if status, err := strconv.Atoi(v); err == nil {
			j.ExitStatus = &status
		}
	}
	j.Start = unixAttr(r.Attributes, "start")
	j.End = unixAttr(r.Attributes, "end")
	return j
}

func unixAttr(attrs map[string]string, key string) time.Time {
	v, ok := attrs[key]
	if !ok {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

// merge overlays later onto r.
func (r *Record) merge(later Record) {
	maps.Copy(r.Attributes, later.Attributes)
	r.Time = later.Time
	r.Type = later.Type
}

// ParseLog parses every non-blank line of a log and merges records by
// job ID. Jobs are returned in order of first appearance.
// Lines longer than MaxLineBytes are an ArgumentError.
func ParseLog(in io.Reader) ([]Record, error) {
	var (
		order  []string
		byID   = make(map[string]*Record)
		lineNo int
	)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineBytes)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		rec, err := ParseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}

		if existing, ok := byID[rec.JobID]; ok {
			existing.merge(rec)
			continue
		}
		byID[rec.JobID] = &rec
		order = append(order, rec.JobID)
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, &ledger.ArgumentError{
				Op:     "parse job log",
				Reason: fmt.Sprintf("line %d is longer than %d bytes", lineNo+1, MaxLineBytes),
			}
		}
		return nil, fmt.Errorf("read job log: %w", err)
	}

	records := make([]Record, 0, len(order))
	for _, id := range order {
		records = append(records, *byID[id])
	}
	return records, nil
}

// Import parses a log and stages the resulting jobs in s. Attributes of
// jobs the ledger already knows are merged, the log winning. The caller
// commits. Returns the staged jobs.
func Import(ctx context.Context, s *ledger.Session, in io.Reader) ([]*ledger.Job, error) {
	records, err := ParseLog(in)
	if err != nil {
		return nil, err
	}

	jobs := make([]*ledger.Job, 0, len(records))
	for _, rec := range records {
		existing, err := s.Job(ctx, rec.JobID)
		switch {
		case ledger.IsNotFound(err):
		case err != nil:
			return nil, err
		default:
			attrs := maps.Clone(existing.Attributes)
			if attrs == nil {
				attrs = make(map[string]string)
			}
			maps.Copy(attrs, rec.Attributes)
			rec.Attributes = attrs
		}

		job := rec.Job()
		s.SaveJob(job)
		jobs = append(jobs, job)
	}
	return jobs, nil
}
