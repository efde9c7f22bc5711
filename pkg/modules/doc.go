// Package modules keeps the tree of installed modules and entry points.
//
// Module classes (App values) are registered in code at startup. Install
// writes a row with a fresh uuid for every class that has none and re-links
// the rest by (parent entry point, alias), so uuids survive restarts.
// Entry points of type select host at most one enabled module; Enable
// switches the sibling off in the same transaction and a partial unique
// index settles concurrent enables.
//
// Rows are cached per process in an expiring LRU. Writes through the
// registry purge the local cache; other processes pick changes up when
// their entries expire.
package modules
