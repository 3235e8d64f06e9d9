// Package basetypes implements the primitive JMAP data types from RFC 8620
// with their JSON (un)marshalling rules.
package basetypes

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/mjl-/jmapd/jmapserver/mlevelerrors"
)

// The id alphabet of RFC 8620 section 1.2 plus "@" and ".": account ids are
// the account's email-style name, and those flow through the same Id type as
// blob and message ids.
var idRegexp = regexp.MustCompile("^[A-Za-z0-9-_@.]{1,255}$")

// https://datatracker.ietf.org/doc/html/rfc8620#section-1.2
type Id string

// ParseId parses an id from string.
func ParseId(idStr string) (Id, *mlevelerrors.MethodLevelError) {
	if !idRegexp.MatchString(idStr) {
		return Id(""), mlevelerrors.NewMethodLevelErrorInvalidArguments(fmt.Sprintf("invalid id %s", idStr))
	}
	return Id(idStr), nil
}

func NewIdFromInt64(i int64) Id {
	return Id(strconv.FormatInt(i, 10))
}

func (id *Id) UnmarshalJSON(b []byte) error {
	var idStr string

	if err := json.Unmarshal(b, &idStr); err != nil {
		return err
	}

	if idStr == "" {
		return mlevelerrors.NewMethodLevelErrorInvalidArguments("id cannot be empty")
	}

	newId, mlErr := ParseId(idStr)
	if mlErr != nil {
		return mlErr
	}

	*id = newId
	return nil
}

func (id Id) IsEmpty() bool {
	return len(id) == 0
}

// Int64 returns an int64 if the format is suitable. If not, an error is sent.
func (id Id) Int64() (int64, error) {
	return strconv.ParseInt(string(id), 10, 64)
}

// https://datatracker.ietf.org/doc/html/rfc8620#section-1.3
type Uint uint64

func (ui *Uint) UnmarshalJSON(b []byte) error {
	var uiInt64 int64

	if err := json.Unmarshal(b, &uiInt64); err != nil {
		return err
	}

	newUi, mlErr := ParseUint(uiInt64)
	if mlErr != nil {
		return mlErr
	}

	*ui = newUi
	return nil
}

// ParseUint bounds-checks i against the JMAP UnsignedInt range.
func ParseUint(i int64) (Uint, *mlevelerrors.MethodLevelError) {
	if i < 0 || float64(i) > (math.Pow(2, 53)-1) {
		return Uint(0), mlevelerrors.NewMethodLevelErrorInvalidArguments("uint out of range")
	}
	return Uint(uint64(i)), nil
}

// https://datatracker.ietf.org/doc/html/rfc8620#section-1.3
type Int int64

// https://datatracker.ietf.org/doc/html/rfc8620#section-1.4
type Date time.Time

func (u Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(u).Format(time.RFC3339))
}

// https://datatracker.ietf.org/doc/html/rfc8620#section-1.4
type UTCDate time.Time

func (u UTCDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(u).UTC().Format(time.RFC3339))
}

func (u *UTCDate) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return err
	}
	*u = UTCDate(t)
	return nil
}

// ParseIds parses a slice of strings into a slice of Id. If one element fails
// the parse, an error is returned along with the failing input.
func ParseIds(idStrs []string) (result []Id, failedId string, mErr *mlevelerrors.MethodLevelError) {
	for _, idStr := range idStrs {
		id, err := ParseId(idStr)
		if err != nil {
			return nil, idStr, err
		}
		result = append(result, id)
	}
	return result, "", nil
}
