// Package jim implements the JIM wire protocol: one UTF-8 JSON object per
// stream write, tagged by an ACTION string (requests) or a numeric RESPONSE
// code (replies). All JSON key probing lives in this package; the rest of the
// code works with the typed frames below.
package jim

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Action values carried in the ACTION field.
const (
	ActionPresence         = "presence"
	ActionMessage          = "msg"
	ActionExit             = "exit"
	ActionGetContacts      = "get_contacts"
	ActionAddContact       = "add_contact"
	ActionRemoveContact    = "remove_contact"
	ActionUsersRequest     = "users_request"
	ActionPublicKeyRequest = "pubkey_need"
)

// Response codes carried in the RESPONSE field.
const (
	CodeOK         = 200 // request accepted
	CodeList       = 202 // LIST_INFO follows
	CodeReset      = 205 // roster changed, reload mirrors
	CodeBadRequest = 400 // ERROR carries a human-readable reason
	CodeAuth       = 511 // authentication challenge/proof, or DATA payload
)

var (
	// ErrMalformedFrame is returned when bytes do not decode to a JSON object.
	ErrMalformedFrame = errors.New("jim: malformed frame")
	// ErrUnknownAction is returned for a well-formed object whose ACTION or
	// RESPONSE tag is missing or not part of the protocol.
	ErrUnknownAction = errors.New("jim: unknown action")
	// ErrFrameTooLarge is returned when an encoded frame would exceed MaxFrameSize.
	ErrFrameTooLarge = errors.New("jim: frame exceeds maximum size")
)

// Frame is one decoded JIM frame. The concrete type identifies the action.
type Frame interface {
	frame()
}

// UserBlock is the USER object inside a PRESENCE frame.
type UserBlock struct {
	AccountName string `json:"ACCOUNT_NAME"`
	PublicKey   string `json:"PUBLIC_KEY,omitempty"`
}

// Presence opens the handshake. The public key announced here replaces the
// stored key on successful login.
type Presence struct {
	Time string    `json:"TIME"`
	User UserBlock `json:"USER"`
}

// Message is a directed message. Text is an opaque payload the server
// forwards verbatim; clients base64-encode it.
type Message struct {
	Sender      string `json:"SENDER"`
	Destination string `json:"DESTINATION"`
	Time        string `json:"TIME"`
	Text        string `json:"MESSAGE_TEXT"`
}

// Exit announces a graceful disconnect. No reply is sent.
type Exit struct {
	Time        string `json:"TIME"`
	AccountName string `json:"ACCOUNT_NAME"`
}

// GetContacts asks for the contact list of User.
type GetContacts struct {
	Time string `json:"TIME"`
	User string `json:"USER"`
}

// AddContact adds AccountName to User's contact set.
type AddContact struct {
	Time        string `json:"TIME"`
	User        string `json:"USER"`
	AccountName string `json:"ACCOUNT_NAME"`
}

// RemoveContact removes AccountName from User's contact set.
type RemoveContact struct {
	Time        string `json:"TIME"`
	User        string `json:"USER"`
	AccountName string `json:"ACCOUNT_NAME"`
}

// UsersRequest asks for all registered account names.
type UsersRequest struct {
	Time        string `json:"TIME"`
	AccountName string `json:"ACCOUNT_NAME"`
}

// PublicKeyRequest asks for the stored public key of AccountName.
type PublicKeyRequest struct {
	Time        string `json:"TIME"`
	AccountName string `json:"ACCOUNT_NAME"`
}

// Response is any server reply, and also carries the client's 511 proof
// during the handshake.
type Response struct {
	Code     int      `json:"RESPONSE"`
	Error    string   `json:"ERROR,omitempty"`
	Data     string   `json:"DATA,omitempty"`
	ListInfo []string `json:"LIST_INFO,omitempty"`
}

func (Presence) frame()         {}
func (Message) frame()          {}
func (Exit) frame()             {}
func (GetContacts) frame()      {}
func (AddContact) frame()       {}
func (RemoveContact) frame()    {}
func (UsersRequest) frame()     {}
func (PublicKeyRequest) frame() {}
func (Response) frame()         {}

// Encode serialises one frame to its wire form. Request frames gain their
// ACTION tag here; Response frames carry the RESPONSE code themselves.
func Encode(f Frame) ([]byte, error) {
	type tagged struct {
		Action string `json:"ACTION"`
	}
	switch v := f.(type) {
	case Presence:
		return json.Marshal(struct {
			tagged
			Presence
		}{tagged{ActionPresence}, v})
	case Message:
		return json.Marshal(struct {
			tagged
			Message
		}{tagged{ActionMessage}, v})
	case Exit:
		return json.Marshal(struct {
			tagged
			Exit
		}{tagged{ActionExit}, v})
	case GetContacts:
		return json.Marshal(struct {
			tagged
			GetContacts
		}{tagged{ActionGetContacts}, v})
	case AddContact:
		return json.Marshal(struct {
			tagged
			AddContact
		}{tagged{ActionAddContact}, v})
	case RemoveContact:
		return json.Marshal(struct {
			tagged
			RemoveContact
		}{tagged{ActionRemoveContact}, v})
	case UsersRequest:
		return json.Marshal(struct {
			tagged
			UsersRequest
		}{tagged{ActionUsersRequest}, v})
	case PublicKeyRequest:
		return json.Marshal(struct {
			tagged
			PublicKeyRequest
		}{tagged{ActionPublicKeyRequest}, v})
	case Response:
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("jim: cannot encode %T", f)
	}
}

// Decode parses one wire frame. It returns ErrMalformedFrame for bytes that
// are not a JSON object and ErrUnknownAction for objects without a
// recognisable ACTION or RESPONSE tag.
func Decode(data []byte) (Frame, error) {
	var probe struct {
		Action   *string `json:"ACTION"`
		Response *int    `json:"RESPONSE"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	// json.Unmarshal accepts a bare "null"; the protocol does not.
	if probe.Action == nil && probe.Response == nil {
		if string(data) == "null" {
			return nil, ErrMalformedFrame
		}
		return nil, ErrUnknownAction
	}

	if probe.Response != nil {
		var r Response
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return r, nil
	}

	var dst Frame
	switch *probe.Action {
	case ActionPresence:
		dst = &Presence{}
	case ActionMessage:
		dst = &Message{}
	case ActionExit:
		dst = &Exit{}
	case ActionGetContacts:
		dst = &GetContacts{}
	case ActionAddContact:
		dst = &AddContact{}
	case ActionRemoveContact:
		dst = &RemoveContact{}
	case ActionUsersRequest:
		dst = &UsersRequest{}
	case ActionPublicKeyRequest:
		dst = &PublicKeyRequest{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, *probe.Action)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	// Return the frame by value so callers can type-switch on concrete types.
	switch f := dst.(type) {
	case *Presence:
		return *f, nil
	case *Message:
		return *f, nil
	case *Exit:
		return *f, nil
	case *GetContacts:
		return *f, nil
	case *AddContact:
		return *f, nil
	case *RemoveContact:
		return *f, nil
	case *UsersRequest:
		return *f, nil
	case *PublicKeyRequest:
		return *f, nil
	}
	return nil, ErrMalformedFrame
}
