package quiz

import (
	"github.com/pkg/errors"

	"github.com/wordduel/server/internal/challenge"
	"github.com/wordduel/server/internal/friendship"
	"github.com/wordduel/server/internal/protocol"
	"github.com/wordduel/server/internal/session"
	"github.com/wordduel/server/internal/users"
)

// errorResponses maps every business error to the single response type that
// reports it. Matching uses errors.Is, so wrapped errors are found too.
var errorResponses = []struct {
	err error
	typ protocol.Type
}{
	{users.ErrUnknownUser, protocol.TypeUnknownUser},
	{users.ErrWrongPassword, protocol.TypeWrongPassword},
	{session.ErrUserAlreadyLogged, protocol.TypeUserAlreadyLogged},

	{friendship.ErrSelfRequest, protocol.TypeSelfRequest},
	{friendship.ErrUnknownReceiver, protocol.TypeUnknownReceiver},
	{friendship.ErrAlreadyFriends, protocol.TypeAlreadyFriends},
	{friendship.ErrRequestAlreadySent, protocol.TypeRequestAlreadySent},
	{friendship.ErrRequestAlreadyReceived, protocol.TypeRequestAlreadyReceived},
	{friendship.ErrNoSuchRequest, protocol.TypeUnexpectedMessage},

	{challenge.ErrSelfRequest, protocol.TypeSelfRequest},
	{challenge.ErrUnknownReceiver, protocol.TypeUnknownReceiver},
	{challenge.ErrNotFriends, protocol.TypeUnexpectedMessage},
	{challenge.ErrApplicantEngagedInOtherChallenge, protocol.TypeApplicantEngagedInOtherChallenge},
	{challenge.ErrReceiverEngagedInOtherChallenge, protocol.TypeReceiverEngagedInOtherChallenge},
	{challenge.ErrPreviousChallengeRequestSent, protocol.TypePreviousChallengeRequestSent},
	{challenge.ErrPreviousChallengeRequestReceived, protocol.TypePreviousChallengeRequestReceived},
	{challenge.ErrReceiverEngagedInOtherChallengeRequest, protocol.TypeReceiverEngagedInOtherChallengeRequest},
	{challenge.ErrReceiverOffline, protocol.TypeReceiverOffline},
	{challenge.ErrNoSuchRequest, protocol.TypeUnexpectedMessage},
	{challenge.ErrWordsUnavailable, protocol.TypeServiceUnavailable},
	{challenge.ErrShuttingDown, protocol.TypeServiceUnavailable},
	{challenge.ErrNoChallengeRelated, protocol.TypeNoChallengeRelated},
	{challenge.ErrWordRetrievalOutOfSequence, protocol.TypeWordRetrievalOutOfSequence},
	{challenge.ErrNoFurtherWordsToGet, protocol.TypeNoFurtherWordsToGet},
	{challenge.ErrTranslationProvisionOutOfSequence, protocol.TypeTranslationProvisionOutOfSequence},
}

// responseFor returns the error response for err. Errors outside the
// business taxonomy are invariant violations: they are logged and reported
// as SERVICE_UNAVAILABLE.
func responseFor(err error) protocol.Message {
	for _, r := range errorResponses {
		if errors.Is(err, r.err) {
			return protocol.New(r.typ)
		}
	}
	logger.WithError(err).Error("unclassified error")
	return protocol.New(protocol.TypeServiceUnavailable)
}
