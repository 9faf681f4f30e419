package mongostore

import (
	"fmt"
	"strconv"

	"github.com/tinytelemetry/stepwatch/internal/model"
	"github.com/tinytelemetry/stepwatch/internal/timestamp"

	"go.mongodb.org/mongo-driver/bson"
)

// Field names of a status update document.
const (
	fieldID        = "_id"
	fieldTimestamp = "timestamp"
	fieldStep      = "step"
	fieldDuration  = "duration"
)

var metadataFields = []string{model.MetaFileName, model.MetaTimePerChunk, model.MetaChunksCount}

func timerFilter(steps []string, since model.Watermark) bson.M {
	filter := bson.M{}
	if len(steps) > 0 {
		filter[fieldStep] = bson.M{"$in": steps}
	}
	if since.Set && since.Cursor != nil {
		filter[fieldTimestamp] = bson.M{"$gt": since.Cursor}
	}
	return filter
}

func counterFilter(spec model.CounterSpec) bson.M {
	if spec.Step == "" {
		return bson.M{}
	}
	return bson.M{fieldStep: spec.Step}
}

func sumPipeline(spec model.CounterSpec) bson.A {
	return bson.A{
		bson.M{"$match": counterFilter(spec)},
		bson.M{"$group": bson.M{"_id": nil, "total": bson.M{"$sum": "$" + spec.Field}}},
	}
}

// decodeTimePoint maps a status update document to a TimePoint. Decoding
// problems are recorded on the point rather than returned. Only a parsable
// timestamp becomes the cursor: a missing one would drop the fetch bound and
// an arbitrary string would sort past every real timestamp.
func decodeTimePoint(doc bson.M, parser *timestamp.Parser) model.TimePoint {
	raw := doc[fieldTimestamp]
	p := model.TimePoint{Key: doc[fieldID], Metadata: map[string]string{}}

	if ts, ok := parser.ParseTimestamp(raw); ok {
		p.Timestamp = ts
		p.Cursor = raw
	} else {
		p.Malformed = (&model.MalformedError{Field: fieldTimestamp, Value: raw}).Error()
	}

	step, ok := doc[fieldStep].(string)
	if !ok && p.Malformed == "" {
		p.Malformed = (&model.MalformedError{Field: fieldStep, Value: doc[fieldStep]}).Error()
	}
	p.Step = step

	d, ok := toFloat(doc[fieldDuration])
	if !ok && p.Malformed == "" {
		p.Malformed = (&model.MalformedError{Field: fieldDuration, Value: doc[fieldDuration]}).Error()
	}
	p.Duration = d

	for _, key := range metadataFields {
		if v, ok := doc[key]; ok && v != nil {
			p.Metadata[key] = fmt.Sprint(v)
		}
	}
	return p
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
