// Package device models the devices mirrored by the gateway.
//
// A Device owns a set of DataPoints keyed by integer id. Each DataPoint
// coerces raw values to its declared type (bool, str, int, float) and keeps
// two views: the last value the device reported and the last value the bus
// requested. Only device reports move the reported value and raise the
// changed flag that drives publishing.
//
// Devices come from two places:
//
//   - a discovery Descriptor published by an external scanner, giving the
//     namespace <root>/<deviceId>;
//   - an identity-encoded command topic, giving the namespace
//     <root>/<protocol>/<deviceId>/<localKey>/<address>.
//
// Devices are not safe for concurrent use. Each one is owned by a single
// worker goroutine.
//
// # Persistence
//
// Snapshot is the flat, JSON-tagged form stored by Repository. Data point
// ids are ints in memory and decimal strings in JSON:
//
//	repo := device.NewSQLiteRepository(db.DB)
//	if _, err := repo.Upsert(ctx, dev.Snapshot()); err != nil {
//	    return err
//	}
package device
