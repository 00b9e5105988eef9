package challenge

import "github.com/pkg/errors"

// Request errors.
var (
	ErrSelfRequest                            = errors.New("self request")
	ErrUnknownReceiver                        = errors.New("unknown receiver")
	ErrNotFriends                             = errors.New("not friends")
	ErrApplicantEngagedInOtherChallenge       = errors.New("applicant engaged in other challenge")
	ErrReceiverEngagedInOtherChallenge        = errors.New("receiver engaged in other challenge")
	ErrPreviousChallengeRequestSent           = errors.New("previous challenge request sent")
	ErrPreviousChallengeRequestReceived       = errors.New("previous challenge request received")
	ErrReceiverEngagedInOtherChallengeRequest = errors.New("receiver engaged in other challenge request")
	ErrReceiverOffline                        = errors.New("receiver offline")
	ErrNoSuchRequest                          = errors.New("no such challenge request")
	ErrApplicantOffline                       = errors.New("applicant logged out")
	ErrWordsUnavailable                       = errors.New("challenge words unavailable")
	ErrShuttingDown                           = errors.New("coordinator shutting down")
)

// Challenge errors.
var (
	ErrNoChallengeRelated                = errors.New("no challenge related")
	ErrWordRetrievalOutOfSequence        = errors.New("word retrieval out of sequence")
	ErrNoFurtherWordsToGet               = errors.New("no further words to get")
	ErrTranslationProvisionOutOfSequence = errors.New("translation provision out of sequence")
)
