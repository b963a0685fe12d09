package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/hex"
	"strconv"
	"time"
)

// WriteCSV encodes records for the audit export endpoint, oldest first as
// listed.
func WriteCSV(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{"at", "kind", "subject_id", "actor_id", "action", "resource_type", "resource_instance", "verdict", "reason", "decisive_grant_id", "seq", "hash"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, rec := range records {
		instance := ""
		if rec.ResourceInstance != nil {
			instance = *rec.ResourceInstance
		}
		decisive := ""
		if rec.DecisiveGrantID != nil {
			decisive = rec.DecisiveGrantID.String()
		}
		row := []string{
			rec.At.UTC().Format(time.RFC3339),
			string(rec.Kind),
			strconv.FormatInt(rec.SubjectID, 10),
			strconv.FormatInt(rec.ActorID, 10),
			rec.Action,
			rec.ResourceType,
			instance,
			rec.Verdict,
			rec.Reason,
			decisive,
			strconv.FormatInt(rec.Seq, 10),
			hex.EncodeToString(rec.Hash),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
