// Package schema defines the data model for offline-first replication.
//
// # Overview
//
// Every business entity the assessment application persists locally is one
// of a closed set of tagged variants. The tag (an EntityType) doubles as the
// local collection name and the remote API path segment:
//
//	assessmentResults   -> AssessmentResult
//	userProfiles        -> UserProfile
//	assessmentSessions  -> AssessmentSession
//	settings            -> Setting
//	anything else       -> RawEntity (round-trips unchanged)
//
// Entities are wrapped in a Record (local sync metadata) while at rest and in
// a SyncOperation (a queued create/update/delete intent) while waiting for a
// sync pass.
//
// # Timestamps
//
// Persisted timestamps (lastModified, createdAt, syncedAt, lastRetryAt) are
// Unix milliseconds. A local mutation always bumps lastModified and resets
// Record.Synced to false:
//
//	rec := schema.NewLocalRecord(result, clock.Now())
//	// rec.Synced == false, rec.LastModified >= previous value
//
// # Wire format
//
// Entities marshal to flat camelCase JSON, identical to the remote API body:
//
//	{
//	  "id": "a1",
//	  "userId": "u-7",
//	  "score": 25,
//	  "localNotes": "patient was tired",
//	  "lastModified": 100
//	}
//
// Decode dispatches on the EntityType tag, never on the shape of the JSON.
package schema
