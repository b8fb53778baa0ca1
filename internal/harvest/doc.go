// Package harvest defines the record model, error taxonomy and collaborator
// interfaces shared by the collection, resolution, download and persistence
// stages of the publication harvester.
package harvest
