// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package useragent identifies the phone/PBX/softswitch that originated a
// SIP dialog from its User-Agent (or, for responses, Server) header, so call
// records and logs can attribute a call to a vendor instead of an opaque
// string. Restores the original_source "useragent" module dropped by the
// spec's distillation; grounded on the SIP header handling in sip/infra.
package useragent

import (
	"regexp"
	"strings"
)

// Identity describes a parsed User-Agent/Server header.
type Identity struct {
	Raw     string
	Vendor  string
	Product string
	Version string
}

// known maps a case-insensitive substring of the header to a vendor name.
// Ordered most-specific first since matching stops at the first hit.
var known = []struct {
	pattern *regexp.Regexp
	vendor  string
}{
	{regexp.MustCompile(`(?i)asterisk`), "Asterisk"},
	{regexp.MustCompile(`(?i)freeswitch`), "FreeSWITCH"},
	{regexp.MustCompile(`(?i)kamailio`), "Kamailio"},
	{regexp.MustCompile(`(?i)opensips`), "OpenSIPS"},
	{regexp.MustCompile(`(?i)twilio`), "Twilio"},
	{regexp.MustCompile(`(?i)vonage|nexmo`), "Vonage"},
	{regexp.MustCompile(`(?i)genesys`), "Genesys"},
	{regexp.MustCompile(`(?i)zoiper`), "Zoiper"},
	{regexp.MustCompile(`(?i)linphone`), "Linphone"},
	{regexp.MustCompile(`(?i)cisco`), "Cisco"},
	{regexp.MustCompile(`(?i)avaya`), "Avaya"},
	{regexp.MustCompile(`(?i)grandstream`), "Grandstream"},
	{regexp.MustCompile(`(?i)yealink`), "Yealink"},
	{regexp.MustCompile(`(?i)polycom`), "Polycom"},
}

// versionPattern pulls a trailing version token such as "Asterisk PBX 20.5.0".
var versionPattern = regexp.MustCompile(`(\d+(?:\.\d+){1,3})`)

// Parse identifies a SIP User-Agent or Server header value. An empty or
// unrecognized header yields an Identity with Vendor "unknown" rather than
// an error — attribution is best-effort and must never fail call setup.
func Parse(header string) Identity {
	header = strings.TrimSpace(header)
	id := Identity{Raw: header, Vendor: "unknown"}
	if header == "" {
		return id
	}

	for _, k := range known {
		if k.pattern.MatchString(header) {
			id.Vendor = k.vendor
			break
		}
	}

	fields := strings.Fields(header)
	if len(fields) > 0 {
		id.Product = fields[0]
	}
	if m := versionPattern.FindString(header); m != "" {
		id.Version = m
	}
	return id
}

// IsPBX reports whether the identified vendor is a server-side PBX/softswitch
// rather than an end-user softphone or hardware handset — useful for
// call-record tagging and for deciding whether to advertise telephone-event
// (PBXes are the ones that insist on it).
func (i Identity) IsPBX() bool {
	switch i.Vendor {
	case "Asterisk", "FreeSWITCH", "Kamailio", "OpenSIPS", "Genesys":
		return true
	default:
		return false
	}
}
