/*
Package ldap provides the directory access layer for the reconciliation
connector.

# Connection Management

The Client interface provides connection pooling with automatic failover:

  - SRV-based server discovery or explicit ldap:// and ldaps:// URLs
  - Connection pooling with health checks
  - Automatic retry with exponential backoff for transient failures
  - Simple bind and Kerberos (GSSAPI) authentication

# Sessions

A Session pins one pooled connection for the duration of a single
reconciliation so that a search, rename and modify issued for one entry
observe each other's effects. Sessions expose structured queries (Query)
rather than raw filter strings; the same Query can be evaluated in memory
with Query.Matches.

# Identifiers

GUID and SID helpers convert between the binary forms stored by Active
Directory and their textual forms. UniqueIdentifier reads objectGUID,
entryUUID or any other configured attribute from an entry.

# Errors

All directory failures are returned as *LDAPError with a category derived
from the result code. Use IsNotFoundError, IsConflictError,
IsNoSuchObject and IsNoSuchAttribute rather than inspecting codes.

# Logging

Operations log through tflog subsystems (see NewLoggingContext). Field
values that look like credentials are redacted by SanitizeFields.
*/
package ldap
