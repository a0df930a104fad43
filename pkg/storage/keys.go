package storage

import "fmt"

// Persisted key layout. Every subsystem derives its keys here so the
// sync engine and the registries agree on what lives where.

func TrustAnchorsKey(ns string) string {
	return fmt.Sprintf("federation:%s:anchors", ns)
}

func RevokedInvitesKey(ns string) string {
	return fmt.Sprintf("%s:revoked:invites", ns)
}

func RevokedSignersKey(ns string) string {
	return fmt.Sprintf("%s:revoked:signers", ns)
}

func WitnessRegistryKey(ns string) string {
	return fmt.Sprintf("wtns:%s:reg", ns)
}

func CheckpointKey(ns string, seq uint64) string {
	return fmt.Sprintf("wtns:%s:chk:%d", ns, seq)
}

// CheckpointHeadKey holds the latest sequence number as a decimal string.
func CheckpointHeadKey(ns string) string {
	return fmt.Sprintf("wtns:%s:head", ns)
}

func SyncStateKey(ns string) string {
	return fmt.Sprintf("sync:%s:state", ns)
}

func SyncQueueKey(ns string) string {
	return fmt.Sprintf("sync:%s:queue", ns)
}

// SyncMetaPrefix is the prefix of per-key LWW bookkeeping records.
func SyncMetaPrefix(ns string) string {
	return fmt.Sprintf("sync:%s:meta:", ns)
}

func SyncMetaKey(ns, key string) string {
	return SyncMetaPrefix(ns) + key
}
