package models

// ProgressCallback receives progress of a long-running operation.
// Calls for one operation never report a smaller completed count than a
// previous call.
type ProgressCallback func(completed, total int, message string)
