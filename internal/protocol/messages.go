// Package protocol defines the binary message format exchanged between quiz
// clients and the server. Every message is a small integer type tag followed
// by an ordered list of text fields; the same layout is used on the reliable
// stream and inside notification datagrams.
package protocol

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// Type identifies the intent of a message.
type Type uint16

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeLogIn                       Type = 1
	TypeLogOut                      Type = 2
	TypeRequestForFriendship        Type = 3
	TypeConfirmFriendshipRequest    Type = 4
	TypeDeclineFriendshipRequest    Type = 5
	TypeRequestForFriendsList       Type = 6
	TypeRequestForChallenge         Type = 7
	TypeConfirmChallengeRequest     Type = 8
	TypeDeclineChallengeRequest     Type = 9
	TypeChallengeGetWord            Type = 10
	TypeChallengeProvideTranslation Type = 11
	TypeRequestForScore             Type = 12
	TypeRequestForLeaderboard       Type = 13
)

// Server -> Client responses.
const (
	TypeOK                  Type = 100
	TypeFriendsList         Type = 101
	TypeScore               Type = 102
	TypeLeaderboard         Type = 103
	TypeChallengeWord       Type = 104
	TypeTranslationReceived Type = 105
	TypeLoggedIn            Type = 106
)

// Server -> Client error responses. Each business condition maps to exactly
// one of these.
const (
	TypeInvalidMessageFormat                   Type = 200
	TypeUnexpectedMessage                      Type = 201
	TypeUnknownUser                            Type = 202
	TypeWrongPassword                          Type = 203
	TypeUserAlreadyLogged                      Type = 204
	TypeUnknownReceiver                        Type = 205
	TypeAlreadyFriends                         Type = 206
	TypeRequestAlreadySent                     Type = 207
	TypeRequestAlreadyReceived                 Type = 208
	TypeReceiverOffline                        Type = 209
	TypeApplicantEngagedInOtherChallenge       Type = 210
	TypeReceiverEngagedInOtherChallenge        Type = 211
	TypePreviousChallengeRequestSent           Type = 212
	TypePreviousChallengeRequestReceived       Type = 213
	TypeReceiverEngagedInOtherChallengeRequest Type = 214
	TypeNoChallengeRelated                     Type = 215
	TypeWordRetrievalOutOfSequence             Type = 216
	TypeNoFurtherWordsToGet                    Type = 217
	TypeTranslationProvisionOutOfSequence      Type = 218
	TypeSelfRequest                            Type = 219
	TypeTooManyLoginAttempts                   Type = 220
	TypeServiceUnavailable                     Type = 221
)

// Server -> Client notifications, delivered on the stream or as datagrams.
const (
	TypeFriendshipRequestReceived          Type = 300
	TypeFriendshipRequestConfirmed         Type = 301
	TypeFriendshipRequestDeclined          Type = 302
	TypeChallengeRequestReceived           Type = 303
	TypeChallengeRequestConfirmed          Type = 304
	TypeChallengeRequestDeclined           Type = 305
	TypeChallengeRequestNotAnswered        Type = 306
	TypeChallengeRequestExpired            Type = 307
	TypeChallengeRequestApplicantLoggedOut Type = 308
	TypeChallengeRequestReceiverLoggedOut  Type = 309
	TypeChallengeCompleted                 Type = 310
	TypeChallengeExpired                   Type = 311
	TypeChallengeAborted                   Type = 312
)

// VariableArity marks message types whose field count is not fixed.
const VariableArity = -1

// ReportFields is the arity of the three challenge report notifications.
const ReportFields = 9

type typeInfo struct {
	name  string
	arity int
}

var registry = map[Type]typeInfo{
	TypeLogIn:                       {"LOG_IN", 3},
	TypeLogOut:                      {"LOG_OUT", 0},
	TypeRequestForFriendship:        {"REQUEST_FOR_FRIENDSHIP", 1},
	TypeConfirmFriendshipRequest:    {"CONFIRM_FRIENDSHIP_REQUEST", 1},
	TypeDeclineFriendshipRequest:    {"DECLINE_FRIENDSHIP_REQUEST", 1},
	TypeRequestForFriendsList:       {"REQUEST_FOR_FRIENDS_LIST", 0},
	TypeRequestForChallenge:         {"REQUEST_FOR_CHALLENGE", 1},
	TypeConfirmChallengeRequest:     {"CONFIRM_CHALLENGE_REQUEST", 1},
	TypeDeclineChallengeRequest:     {"DECLINE_CHALLENGE_REQUEST", 1},
	TypeChallengeGetWord:            {"CHALLENGE_GET_WORD", 0},
	TypeChallengeProvideTranslation: {"CHALLENGE_PROVIDE_TRANSLATION", 1},
	TypeRequestForScore:             {"REQUEST_FOR_SCORE", 0},
	TypeRequestForLeaderboard:       {"REQUEST_FOR_LEADERBOARD", 0},

	TypeOK:                  {"OK", VariableArity},
	TypeFriendsList:         {"FRIENDS_LIST", VariableArity},
	TypeScore:               {"SCORE", 1},
	TypeLeaderboard:         {"LEADERBOARD", VariableArity},
	TypeChallengeWord:       {"CHALLENGE_WORD", 3},
	TypeTranslationReceived: {"TRANSLATION_RECEIVED", 0},
	TypeLoggedIn:            {"LOGGED_IN", 2},

	TypeInvalidMessageFormat:                   {"INVALID_MESSAGE_FORMAT", VariableArity},
	TypeUnexpectedMessage:                      {"UNEXPECTED_MESSAGE", VariableArity},
	TypeUnknownUser:                            {"UNKNOWN_USER", VariableArity},
	TypeWrongPassword:                          {"WRONG_PASSWORD", VariableArity},
	TypeUserAlreadyLogged:                      {"USER_ALREADY_LOGGED", VariableArity},
	TypeUnknownReceiver:                        {"UNKNOWN_RECEIVER", VariableArity},
	TypeAlreadyFriends:                         {"ALREADY_FRIENDS", VariableArity},
	TypeRequestAlreadySent:                     {"REQUEST_ALREADY_SENT", VariableArity},
	TypeRequestAlreadyReceived:                 {"REQUEST_ALREADY_RECEIVED", VariableArity},
	TypeReceiverOffline:                        {"RECEIVER_OFFLINE", VariableArity},
	TypeApplicantEngagedInOtherChallenge:       {"APPLICANT_ENGAGED_IN_OTHER_CHALLENGE", VariableArity},
	TypeReceiverEngagedInOtherChallenge:        {"RECEIVER_ENGAGED_IN_OTHER_CHALLENGE", VariableArity},
	TypePreviousChallengeRequestSent:           {"PREVIOUS_CHALLENGE_REQUEST_SENT", VariableArity},
	TypePreviousChallengeRequestReceived:       {"PREVIOUS_CHALLENGE_REQUEST_RECEIVED", VariableArity},
	TypeReceiverEngagedInOtherChallengeRequest: {"RECEIVER_ENGAGED_IN_OTHER_CHALLENGE_REQUEST", VariableArity},
	TypeNoChallengeRelated:                     {"NO_CHALLENGE_RELATED", VariableArity},
	TypeWordRetrievalOutOfSequence:             {"WORD_RETRIEVAL_OUT_OF_SEQUENCE", VariableArity},
	TypeNoFurtherWordsToGet:                    {"NO_FURTHER_WORDS_TO_GET", VariableArity},
	TypeTranslationProvisionOutOfSequence:      {"TRANSLATION_PROVISION_OUT_OF_SEQUENCE", VariableArity},
	TypeSelfRequest:                            {"SELF_REQUEST", VariableArity},
	TypeTooManyLoginAttempts:                   {"TOO_MANY_LOGIN_ATTEMPTS", VariableArity},
	TypeServiceUnavailable:                     {"SERVICE_UNAVAILABLE", VariableArity},

	TypeFriendshipRequestReceived:          {"FRIENDSHIP_REQUEST_RECEIVED", 1},
	TypeFriendshipRequestConfirmed:         {"FRIENDSHIP_REQUEST_CONFIRMED", 2},
	TypeFriendshipRequestDeclined:          {"FRIENDSHIP_REQUEST_DECLINED", 1},
	TypeChallengeRequestReceived:           {"CHALLENGE_REQUEST_RECEIVED", 2},
	TypeChallengeRequestConfirmed:          {"CHALLENGE_REQUEST_CONFIRMED", 3},
	TypeChallengeRequestDeclined:           {"CHALLENGE_REQUEST_DECLINED", 1},
	TypeChallengeRequestNotAnswered:        {"CHALLENGE_REQUEST_NOT_ANSWERED", 1},
	TypeChallengeRequestExpired:            {"CHALLENGE_REQUEST_EXPIRED", 1},
	TypeChallengeRequestApplicantLoggedOut: {"CHALLENGE_REQUEST_APPLICANT_LOGGED_OUT", 1},
	TypeChallengeRequestReceiverLoggedOut:  {"CHALLENGE_REQUEST_RECEIVER_LOGGED_OUT", 1},
	TypeChallengeCompleted:                 {"CHALLENGE_COMPLETED", ReportFields},
	TypeChallengeExpired:                   {"CHALLENGE_EXPIRED", ReportFields},
	TypeChallengeAborted:                   {"CHALLENGE_ABORTED", ReportFields},
}

// String returns the protocol name of the type, or a numeric placeholder for
// unknown tags.
func (t Type) String() string {
	if info, ok := registry[t]; ok {
		return info.name
	}
	return "TYPE(" + strconv.Itoa(int(t)) + ")"
}

// Known reports whether t is a recognised message type.
func (t Type) Known() bool {
	_, ok := registry[t]
	return ok
}

// Arity returns the fixed field count of t, or VariableArity.
func (t Type) Arity() int {
	if info, ok := registry[t]; ok {
		return info.arity
	}
	return VariableArity
}

// FromClient reports whether t is a message a client may send.
func (t Type) FromClient() bool {
	return t >= TypeLogIn && t <= TypeRequestForLeaderboard
}

// IsError reports whether t is an error response.
func (t Type) IsError() bool {
	return t >= TypeInvalidMessageFormat && t < TypeFriendshipRequestReceived
}

// IsNotification reports whether t is pushed by the server unrequested.
func (t Type) IsNotification() bool {
	return t >= TypeFriendshipRequestReceived
}

// ---------------------------------------------------------------------------
// Message
// ---------------------------------------------------------------------------

// Message is a decoded protocol message. A zero-length field is a valid
// value and is distinct from an absent field.
type Message struct {
	Type   Type     `json:"type"`
	Fields []string `json:"fields"`
}

// New builds a message of the given type.
func New(t Type, fields ...string) Message {
	if fields == nil {
		fields = []string{}
	}
	return Message{Type: t, Fields: fields}
}

// Field returns the i-th field, or the empty string when absent.
func (m Message) Field(i int) string {
	if i < 0 || i >= len(m.Fields) {
		return ""
	}
	return m.Fields[i]
}

// IntField parses the i-th field as a decimal integer.
func (m Message) IntField(i int) (int, error) {
	if i < 0 || i >= len(m.Fields) {
		return 0, errors.Errorf("protocol: field %d absent in %s", i, m.Type)
	}
	return strconv.Atoi(m.Fields[i])
}

func (m Message) String() string {
	return fmt.Sprintf("%s%q", m.Type, m.Fields)
}

// Validate checks that the type is known and that the field count matches
// its arity.
func (m Message) Validate() error {
	info, ok := registry[m.Type]
	if !ok {
		return &FormatError{Reason: fmt.Sprintf("unknown message type %d", uint16(m.Type))}
	}
	if info.arity != VariableArity && info.arity != len(m.Fields) {
		return &FormatError{Reason: fmt.Sprintf("%s expects %d fields, got %d", info.name, info.arity, len(m.Fields))}
	}
	return nil
}
