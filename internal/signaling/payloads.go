package signaling

import "github.com/pion/webrtc/v4"

// OfferPayload starts a call attempt. Type is "audio" or "video" and tells
// the callee whether to request camera capture before answering.
type OfferPayload struct {
	Offer webrtc.SessionDescription `json:"offer"`
	Type  string                    `json:"type"`
	From  string                    `json:"from"`
	To    string                    `json:"to"`
}

// AnswerPayload is the callee's response to an offer.
type AnswerPayload struct {
	Answer webrtc.SessionDescription `json:"answer"`
	From   string                    `json:"from"`
	To     string                    `json:"to"`
}

// CandidatePayload carries one trickled ICE candidate. Candidates are
// published as discovered, never batched.
type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// call-end and call-rejected carry no payload.
