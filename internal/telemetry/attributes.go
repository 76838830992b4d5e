// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by pkgd spans.
const (
	SessionIDKey    = "pkgd.session_id"
	CallerKey       = "pkgd.caller"
	MethodKey       = "dbus.method"
	InterfaceKey    = "dbus.interface"
	RepoIDKey       = "pkgd.repo_id"
	TxnIDKey        = "pkgd.transaction_id"
	ItemsKey        = "pkgd.items"
	ResultKey       = "pkgd.result"
	DownloadIDKey   = "pkgd.download_id"
	DownloadSizeKey = "pkgd.download_bytes"
	ErrorTypeKey    = "error.type"
)

// CallAttributes describes one inbound bus call.
func CallAttributes(iface, method, session, caller string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(InterfaceKey, iface),
		attribute.String(MethodKey, method),
	}
	if session != "" {
		attrs = append(attrs, attribute.String(SessionIDKey, session))
	}
	if caller != "" {
		attrs = append(attrs, attribute.String(CallerKey, caller))
	}
	return attrs
}

// TransactionAttributes describes an executed transaction.
func TransactionAttributes(txnID int64, items int, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(TxnIDKey, txnID),
		attribute.Int(ItemsKey, items),
		attribute.String(ResultKey, result),
	}
}

// RepoAttributes describes a repository metadata load.
func RepoAttributes(repoIDs ...string) []attribute.KeyValue {
	if len(repoIDs) == 0 {
		return nil
	}
	return []attribute.KeyValue{attribute.StringSlice(RepoIDKey, repoIDs)}
}

// DownloadAttributes describes one file transfer.
func DownloadAttributes(id string, size int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(DownloadIDKey, id),
		attribute.Int64(DownloadSizeKey, size),
	}
}

// ErrorAttributes classifies a failure.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String(ErrorTypeKey, errorType)}
}
