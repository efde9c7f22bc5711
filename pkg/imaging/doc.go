// Package imaging manages functional maps of a project and the processors
// that derive new maps from them.
//
// Map data are two-dimensional numpy arrays stored as .npy files under
// project-<project>/maps/<map>.npy in the blob store. The pinwheels
// processor computes distance maps from the pinwheels of a map; the roi
// processor cuts rectangular regions out of it. Both store their result as
// a new map of the same project.
package imaging
