package ldaproute

import "fmt"

// SecurityType governs the transport used for connections that follow a
// referral. The "conditionally" variants decide based on whether the
// connection that received the referral was itself secure (TLS, or a
// completed StartTLS upgrade).
//
// Regardless of the policy, an ldaps:// referral URL is authoritative: TLS is
// used and StartTLS is never attempted.
type SecurityType int

const (
	// AlwaysUseLDAPAndNeverUseStartTLS always connects in plaintext and
	// never negotiates StartTLS.
	AlwaysUseLDAPAndNeverUseStartTLS SecurityType = iota

	// AlwaysUseLDAPAndAlwaysUseStartTLS always connects in plaintext and
	// always negotiates StartTLS.
	AlwaysUseLDAPAndAlwaysUseStartTLS

	// AlwaysUseLDAPAndConditionallyUseStartTLS always connects in plaintext
	// and negotiates StartTLS only when the source connection was secure.
	AlwaysUseLDAPAndConditionallyUseStartTLS

	// ConditionallyUseLDAPAndNeverUseStartTLS connects with TLS when the
	// source connection was secure and in plaintext otherwise; StartTLS is
	// never negotiated.
	ConditionallyUseLDAPAndNeverUseStartTLS

	// ConditionallyUseLDAPAndAlwaysUseStartTLS connects with TLS when the
	// source connection was secure; otherwise it connects in plaintext and
	// negotiates StartTLS.
	ConditionallyUseLDAPAndAlwaysUseStartTLS

	// ConditionallyUseLDAPAndConditionallyUseStartTLS connects with TLS when
	// the source connection was secure and in plaintext otherwise. StartTLS
	// is only ever negotiated on a plaintext transport, so a secure source
	// yields TLS with no StartTLS.
	ConditionallyUseLDAPAndConditionallyUseStartTLS

	// AlwaysUseLDAPS always connects with TLS.
	AlwaysUseLDAPS
)

// String returns string representation of the security type.
func (t SecurityType) String() string {
	switch t {
	case AlwaysUseLDAPAndNeverUseStartTLS:
		return "always-ldap-never-starttls"
	case AlwaysUseLDAPAndAlwaysUseStartTLS:
		return "always-ldap-always-starttls"
	case AlwaysUseLDAPAndConditionallyUseStartTLS:
		return "always-ldap-conditionally-starttls"
	case ConditionallyUseLDAPAndNeverUseStartTLS:
		return "conditionally-ldap-never-starttls"
	case ConditionallyUseLDAPAndAlwaysUseStartTLS:
		return "conditionally-ldap-always-starttls"
	case ConditionallyUseLDAPAndConditionallyUseStartTLS:
		return "conditionally-ldap-conditionally-starttls"
	case AlwaysUseLDAPS:
		return "always-ldaps"
	default:
		return "unknown"
	}
}

// ParseSecurityType parses the string form produced by String.
func ParseSecurityType(s string) (SecurityType, error) {
	for t := AlwaysUseLDAPAndNeverUseStartTLS; t <= AlwaysUseLDAPS; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown security type %q", s)
}

// resolveSecurity is the pure decision table mapping a policy, the referral
// URL scheme, and the security of the source connection onto a transport
// decision. useStartTLS is never true when useTLS is true.
func resolveSecurity(policy SecurityType, scheme string, sourceSecure bool) (useTLS, useStartTLS bool) {
	// An ldaps URL overrides every policy.
	if scheme == "ldaps" {
		return true, false
	}

	switch policy {
	case AlwaysUseLDAPAndNeverUseStartTLS:
		return false, false
	case AlwaysUseLDAPAndAlwaysUseStartTLS:
		return false, true
	case AlwaysUseLDAPAndConditionallyUseStartTLS:
		return false, sourceSecure
	case ConditionallyUseLDAPAndNeverUseStartTLS:
		return sourceSecure, false
	case ConditionallyUseLDAPAndAlwaysUseStartTLS:
		if sourceSecure {
			return true, false
		}
		return false, true
	case ConditionallyUseLDAPAndConditionallyUseStartTLS:
		if sourceSecure {
			return true, false
		}
		return false, false
	case AlwaysUseLDAPS:
		return true, false
	default:
		return false, false
	}
}
