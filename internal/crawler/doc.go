// Package crawler defines the core document and job types shared by the
// scheduler, plus the contracts it needs from the persistent job queue.
package crawler
