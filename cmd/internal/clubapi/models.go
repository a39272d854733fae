package clubapi

import (
	"encoding/json"
	"time"

	"clubhouse/cmd/internal/club"
	"clubhouse/cmd/internal/inbox"
	"clubhouse/cmd/internal/leaderboard"
)

type createClubRequest struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	Type        club.Type `json:"type"`
	BannerURL   *string   `json:"banner_url"`
}

type updateClubRequest struct {
	Name        *string    `json:"name"`
	Description *string    `json:"description"`
	Location    *string    `json:"location"`
	Type        *club.Type `json:"type"`
	BannerURL   *string    `json:"banner_url"`
}

type manageMemberRequest struct {
	Action string `json:"action"`
}

type transferRequest struct {
	NewLeaderID string `json:"new_leader_id"`
}

type joinRequestRequest struct {
	Message string `json:"message"`
}

type invitationRequest struct {
	TargetUserID string `json:"target_user_id"`
	Message      string `json:"message"`
}

type clubMailRequest struct {
	Subject string `json:"subject"`
	Message string `json:"message"`
}

type handleJoinRequestRequest struct {
	Action string `json:"action"`
	ClubID string `json:"club_id"`
	UserID string `json:"user_id"`
}

type handleInvitationRequest struct {
	Action    string `json:"action"`
	ClubID    string `json:"club_id"`
	InviterID string `json:"inviter_id"`
}

type sendMessageRequest struct {
	ReceiverID string `json:"receiver_id"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
}

type clubJSON struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	Type        club.Type `json:"type"`
	BannerURL   *string   `json:"banner_url,omitempty"`
	LeaderID    string    `json:"leader_id"`
	TotalLikes  int64     `json:"total_likes"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toClubJSON(c club.Club) clubJSON {
	return clubJSON{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		Location:    c.Location,
		Type:        c.Type,
		BannerURL:   c.BannerURL,
		LeaderID:    c.LeaderID,
		TotalLikes:  c.TotalLikes,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

type memberJSON struct {
	UserID   string    `json:"user_id"`
	Role     club.Role `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

type clubResponse struct {
	Success bool         `json:"success"`
	Club    clubJSON     `json:"club"`
	Members []memberJSON `json:"members,omitempty"`
}

type myClubJSON struct {
	clubJSON
	Role club.Role `json:"role"`
}

type myClubsResponse struct {
	Success bool         `json:"success"`
	Clubs   []myClubJSON `json:"clubs"`
}

// opResponse is the body of every governance write.
type opResponse struct {
	Success    bool        `json:"success"`
	Message    string      `json:"message,omitempty"`
	ClubID     string      `json:"club_id,omitempty"`
	Action     club.Action `json:"action,omitempty"`
	Deleted    bool        `json:"deleted,omitempty"`
	Joined     *bool       `json:"joined,omitempty"`
	TotalLikes *int64      `json:"total_likes,omitempty"`
	Warning    string      `json:"warning,omitempty"`
}

func fromResult(res club.Result) opResponse {
	out := opResponse{
		Success: true,
		Message: res.Message,
		ClubID:  res.ClubID,
		Action:  res.Action,
		Deleted: res.Deleted,
	}
	switch {
	case res.LikesErr != nil:
		out.Warning = "likes recompute failed"
	case !res.Deleted && res.ClubID != "":
		total := res.TotalLikes
		out.TotalLikes = &total
	}
	return out
}

type messageJSON struct {
	ID         string           `json:"id"`
	SenderID   string           `json:"sender_id"`
	ReceiverID string           `json:"receiver_id"`
	Subject    string           `json:"subject"`
	Body       string           `json:"body"`
	Type       club.MessageType `json:"type"`
	ClubID     *string          `json:"club_id,omitempty"`
	Metadata   json.RawMessage  `json:"metadata,omitempty"`
	Record     *inbox.Record    `json:"record,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

func toMessageJSON(m club.Message, text string, rec *inbox.Record) messageJSON {
	return messageJSON{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Subject:    m.Subject,
		Body:       text,
		Type:       m.Type,
		ClubID:     m.ClubID,
		Metadata:   m.Metadata,
		Record:     rec,
		CreatedAt:  m.CreatedAt,
	}
}

type messageResponse struct {
	Success bool        `json:"success"`
	Message messageJSON `json:"message"`
}

type inboxResponse struct {
	Success  bool          `json:"success"`
	Messages []messageJSON `json:"messages"`
}

type mailResponse struct {
	Success bool `json:"success"`
	Sent    int  `json:"sent"`
}

type leaderboardResponse struct {
	Success bool                `json:"success"`
	Clubs   []leaderboard.Entry `json:"clubs"`
}
