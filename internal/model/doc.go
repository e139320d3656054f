// Package model defines shared data types for the notification reliability core.
//
// Conventions:
//   - Timestamps: time.Time, RFC 3339 on the wire
//   - Notification ids: backend-assigned strings, globally unique
//   - Tenant ids: int64 restaurant ids
package model
