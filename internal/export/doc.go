// Package export defines the domain types and collaborator contracts shared by
// the orchestration, storage, and transport layers.
//
// An Export is split into numbered units (pages of the source registry). Each
// unit is executed as its own task; a unit is accounted for once it has either
// produced an Artifact or accumulated enough FailureEntry attempts to be
// considered permanently failed. When every unit is accounted for the export is
// marked complete exactly once and a single notification task is submitted.
package export
