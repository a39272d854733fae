package inbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind tags a protocol record.
type Kind string

const (
	KindJoinRequest Kind = "CLUB_JOIN_REQUEST"
	KindInvitation  Kind = "CLUB_INVITATION"
)

// StatusPending is the only status a live request or invitation carries; processed ones are deleted.
const StatusPending = "pending"

// JoinRequest is the payload of a club join request.
type JoinRequest struct {
	ClubID   string `json:"club_id"`
	ClubName string `json:"club_name"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

// Invitation is the payload of a club invitation.
type Invitation struct {
	ClubID          string `json:"club_id"`
	ClubName        string `json:"club_name"`
	InviterID       string `json:"inviter_id"`
	InviterUsername string `json:"inviter_username"`
	TargetUserID    string `json:"target_user_id"`
	Status          string `json:"status"`
}

// Record is the tagged union stored in messages.metadata. Exactly one payload is set.
type Record struct {
	Kind        Kind         `json:"kind"`
	JoinRequest *JoinRequest `json:"join_request,omitempty"`
	Invitation  *Invitation  `json:"invitation,omitempty"`
}

// ClubID returns the club the record refers to.
func (r Record) ClubID() string {
	switch {
	case r.JoinRequest != nil:
		return r.JoinRequest.ClubID
	case r.Invitation != nil:
		return r.Invitation.ClubID
	}
	return ""
}

var errBadRecord = errors.New("inbox: malformed metadata record")

func (r Record) validate() error {
	switch r.Kind {
	case KindJoinRequest:
		if r.JoinRequest == nil || r.Invitation != nil || r.JoinRequest.ClubID == "" || r.JoinRequest.UserID == "" {
			return errBadRecord
		}
	case KindInvitation:
		if r.Invitation == nil || r.JoinRequest != nil || r.Invitation.ClubID == "" || r.Invitation.TargetUserID == "" {
			return errBadRecord
		}
	default:
		return errBadRecord
	}
	return nil
}

// MarshalRecord encodes the structured side record.
func MarshalRecord(r Record) ([]byte, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// ParseRecord decodes the structured side record and fails on anything that is not a valid record.
func ParseRecord(b []byte) (Record, error) {
	var r Record
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return Record{}, fmt.Errorf("%w: %v", errBadRecord, err)
	}
	if err := r.validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// The body marker is the legacy wire format:
//
//	<!-- METADATA:CLUB_JOIN_REQUEST:{"club_id":...} -->
//
// json.Marshal escapes '<' and '>', so a payload can never contain the closing "-->".
var markerRE = regexp.MustCompile(`<!-- METADATA:(CLUB_JOIN_REQUEST|CLUB_INVITATION):(\{.*?\}) -->`)

// EncodeMarker renders the hidden body marker for r.
func EncodeMarker(r Record) (string, error) {
	if err := r.validate(); err != nil {
		return "", err
	}
	var (
		payload []byte
		err     error
	)
	if r.Kind == KindJoinRequest {
		payload, err = json.Marshal(r.JoinRequest)
	} else {
		payload, err = json.Marshal(r.Invitation)
	}
	if err != nil {
		return "", err
	}
	return "<!-- METADATA:" + string(r.Kind) + ":" + string(payload) + " -->", nil
}

// ComposeBody appends the marker for r to the human readable text.
func ComposeBody(text string, r Record) (string, error) {
	marker, err := EncodeMarker(r)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return marker, nil
	}
	return text + "\n\n" + marker, nil
}

// DecodeMarker scans body for the first marker. Any failure means "no metadata".
func DecodeMarker(body string) (Record, bool) {
	m := markerRE.FindStringSubmatch(body)
	if m == nil {
		return Record{}, false
	}
	r := Record{Kind: Kind(m[1])}
	var err error
	switch r.Kind {
	case KindJoinRequest:
		r.JoinRequest = &JoinRequest{}
		err = json.Unmarshal([]byte(m[2]), r.JoinRequest)
	case KindInvitation:
		r.Invitation = &Invitation{}
		err = json.Unmarshal([]byte(m[2]), r.Invitation)
	}
	if err != nil || r.validate() != nil {
		return Record{}, false
	}
	return r, true
}

// StripMarker removes every marker from body, leaving the text a reader should see.
func StripMarker(body string) string {
	return strings.TrimSpace(markerRE.ReplaceAllString(body, ""))
}
