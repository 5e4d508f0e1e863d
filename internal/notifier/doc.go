// Package notifier runs the two notification loops.
//
// # Pair notifications
//
// For every daily lesson start a cron trigger fires Lead before it on
// Monday through Saturday. Recipients with pair notifications enabled are
// grouped by timetable identity; each group's schedule is resolved once and
// the lesson starting next is announced to every member, provided it is a
// subject, an exam or a consultation.
//
// # Digest
//
// A polling loop sends the full schedule to every recipient whose daily
// send time falls in the half-open window (previous tick, this tick]. When
// the schedule cannot be fetched the last cached copy is sent with a
// disclaimer and the operator is notified.
//
// Delivery of both loops goes through a shared delivery.Pool.
package notifier
