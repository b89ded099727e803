package connector

import (
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestMongoColumnType(t *testing.T) {
	cases := []struct {
		value any
		want  string
	}{
		{int64(7), "BIGINT"},
		{3.14, "DOUBLE PRECISION"},
		{true, "BOOLEAN"},
		{primitive.NewDateTimeFromTime(time.Now()), "TIMESTAMPTZ"},
		{bson.M{"k": "v"}, "JSONB"},
		{bson.D{{Key: "k", Value: "v"}}, "JSONB"},
		{bson.A{"a", "b"}, "JSONB"},
		{"plain", "TEXT"},
	}
	for _, tc := range cases {
		if got := mongoColumnType(tc.value); got != tc.want {
			t.Errorf("mongoColumnType(%T) = %q, want %q", tc.value, got, tc.want)
		}
	}
}

func TestMongoValue(t *testing.T) {
	oid := primitive.NewObjectID()
	if got := mongoValue(oid); got != oid.Hex() {
		t.Errorf("ObjectID should flatten to its hex form, got %v", got)
	}

	if got := mongoValue(bson.A{"x", int64(1)}); got != `["x",1]` {
		t.Errorf("arrays should serialize as JSON text, got %v", got)
	}

	dt := primitive.NewDateTimeFromTime(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	if got, ok := mongoValue(dt).(time.Time); !ok || !got.Equal(dt.Time()) {
		t.Errorf("DateTime should convert to time.Time, got %v", mongoValue(dt))
	}

	if got := mongoValue(nil); got != nil {
		t.Errorf("nil passes through, got %v", got)
	}
}
