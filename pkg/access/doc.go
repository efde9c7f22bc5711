// Package access manages users, groups, projects and the permissions that
// tie them together.
//
// A project is owned by its root group: every member of that group, and
// every superuser, has full access. Other groups receive a level of the
// project lattice (no_access < data_view < data_process < data_add <
// data_full < full); a user's effective level is the highest level granted
// to any of the user's groups. Applications hosted in a project use the
// app lattice (no_access < usage < permission_required < add); the project
// level is projected into it and may be lowered by explicit app grants.
//
// On hosts where the application administers POSIX accounts, users map to
// UNIX accounts with home directories and projects map to UNIX groups with
// shared directories. The providers of those entities queue the matching
// commands in the same transaction as the rows.
package access
