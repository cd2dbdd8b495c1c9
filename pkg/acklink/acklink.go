// Package acklink implements the ack URL builder/verifier of spec.md §4.3
// (C3): canonical payload serialization over C2, URL assembly, and the
// dual legacy/new payload-shape verification rule of §4.8.
package acklink

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Signer is the narrow slice of pkg/signer the builder/verifier depends on.
type Signer interface {
	Sign(data string) (string, error)
	Verify(data, sig string) (bool, error)
}

// Builder assembles and verifies ack URLs.
type Builder struct {
	signer  Signer
	baseUrl string
}

// New constructs a Builder. baseUrl is the scheme+host(+path) prefix the
// "/ack" route is mounted under (spec.md §6 ACKLINK_BASE_URL).
func New(signer Signer, baseUrl string) *Builder {
	return &Builder{signer: signer, baseUrl: baseUrl}
}

// Link is a built, ready-to-post ack URL plus the version/expiry it carries,
// so the chaser loop can mirror them into C4 without re-deriving them.
type Link struct {
	URL       string
	Version   int
	ExpiresAt time.Time
}

// canonicalPayload builds the §4.3 signing string.
func canonicalPayload(taskId string, version int, expUnix int64) string {
	return fmt.Sprintf("%s|%d|%d", taskId, version, expUnix)
}

// Build issues a new ack link for taskId at version, expiring at expiresAt.
// region and anchorDateType are optional and carried through as query
// params for the handler's convenience; they are not part of the signed
// payload.
func (b *Builder) Build(taskId string, version int, expiresAt time.Time, region, anchorDateType string) (Link, error) {
	expUnix := expiresAt.Unix()
	payload := canonicalPayload(taskId, version, expUnix)

	sig, err := b.signer.Sign(payload)
	if err != nil {
		return Link{}, fmt.Errorf("sign ack link: %w", err)
	}

	q := url.Values{}
	q.Set("tid", taskId)
	q.Set("v", strconv.Itoa(version))
	q.Set("exp", strconv.FormatInt(expUnix, 10))
	q.Set("sig", sig)
	if region != "" {
		q.Set("r", region)
	}
	if anchorDateType != "" {
		q.Set("a", anchorDateType)
	}

	return Link{
		URL:       fmt.Sprintf("%s/ack?%s", b.baseUrl, q.Encode()),
		Version:   version,
		ExpiresAt: expiresAt,
	}, nil
}

// VerifyOutcome enumerates the distinguishable verification failures of
// spec.md §4.3/§4.8, so the ack handler can choose an HTTP status without
// re-inspecting the error.
type VerifyOutcome int

const (
	VerifyOk VerifyOutcome = iota
	VerifyBadRequest
	VerifySignatureMismatch
	VerifyExpired
	VerifyReplay
)

// Verified carries the fields recovered from a successfully or partially
// verified ack link.
type Verified struct {
	TaskId         string
	LegacyItemId   string
	AckVersion     int
	ExpUnix        int64
	Correlation    string
	Region         string
	AnchorDateType string
	Legacy         bool
}

// Verify validates query params against the recorded AckVersion for the
// task (recordedVersion), picking the payload shape by presence of "tid"
// (new, spec.md §4.3) vs "id" (legacy, spec.md §4.8).
func (b *Builder) Verify(values url.Values, recordedVersion int) (Verified, VerifyOutcome, error) {
	if values.Has("tid") {
		return b.verifyNewShape(values, recordedVersion)
	}
	if values.Has("id") {
		return b.verifyLegacyShape(values)
	}
	return Verified{}, VerifyBadRequest, fmt.Errorf("neither tid nor id present")
}

func (b *Builder) verifyNewShape(values url.Values, recordedVersion int) (Verified, VerifyOutcome, error) {
	taskId := values.Get("tid")
	sig := values.Get("sig")
	expStr := values.Get("exp")
	versionStr := values.Get("v")

	if taskId == "" || sig == "" || expStr == "" || versionStr == "" {
		return Verified{}, VerifyBadRequest, fmt.Errorf("missing required ack params")
	}

	expUnix, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return Verified{}, VerifyBadRequest, fmt.Errorf("invalid exp: %w", err)
	}
	version, err := strconv.Atoi(versionStr)
	if err != nil {
		return Verified{}, VerifyBadRequest, fmt.Errorf("invalid v: %w", err)
	}

	payload := canonicalPayload(taskId, version, expUnix)
	ok, err := b.signer.Verify(payload, sig)
	if err != nil {
		return Verified{}, VerifyBadRequest, fmt.Errorf("verify signature: %w", err)
	}
	if !ok {
		return Verified{}, VerifySignatureMismatch, fmt.Errorf("signature mismatch")
	}

	if time.Now().Unix() >= expUnix {
		return Verified{}, VerifyExpired, fmt.Errorf("ack link expired")
	}

	// spec.md §4.3: accept v >= recordedVersion-1 to tolerate a click that
	// races the mirror write; strictly smaller v is a replay.
	if version < recordedVersion-1 {
		return Verified{}, VerifyReplay, fmt.Errorf("ack version %d is stale against recorded %d", version, recordedVersion)
	}

	return Verified{
		TaskId:         taskId,
		AckVersion:     version,
		ExpUnix:        expUnix,
		Region:         values.Get("r"),
		AnchorDateType: values.Get("a"),
	}, VerifyOk, nil
}

func (b *Builder) verifyLegacyShape(values url.Values) (Verified, VerifyOutcome, error) {
	itemId := values.Get("id")
	sig := values.Get("sig")
	expStr := values.Get("exp")
	corr := values.Get("c")

	if itemId == "" || sig == "" || expStr == "" {
		return Verified{}, VerifyBadRequest, fmt.Errorf("missing required legacy ack params")
	}

	expUnix, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return Verified{}, VerifyBadRequest, fmt.Errorf("invalid exp: %w", err)
	}

	payload := fmt.Sprintf("id=%s&exp=%s", itemId, expStr)
	if corr != "" {
		payload += fmt.Sprintf("&c=%s", corr)
	}

	ok, err := b.signer.Verify(payload, sig)
	if err != nil {
		return Verified{}, VerifyBadRequest, fmt.Errorf("verify signature: %w", err)
	}
	if !ok {
		return Verified{}, VerifySignatureMismatch, fmt.Errorf("signature mismatch")
	}

	if time.Now().Unix() >= expUnix {
		return Verified{}, VerifyExpired, fmt.Errorf("ack link expired")
	}

	return Verified{
		LegacyItemId: itemId,
		ExpUnix:      expUnix,
		Correlation:  corr,
		Legacy:       true,
	}, VerifyOk, nil
}
