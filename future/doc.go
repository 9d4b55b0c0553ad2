/*
Package future provides a single-assignment eventual value that also carries an out-of-band handle and a one-shot progress notification.

A Future is created together with its Deferred, which is the only way to attach the handle and settle the value.
Futures derived through Then, Catch or Fail share a lineage with the future they were derived from:
the same handle, the same progress registry and the same release gate.

Progress callbacks registered before the lineage is released run, in registration order, once the handle is attached and the lineage is released.
Release happens on the first call to Release, Wait, Settled or ReportUnhandled on any future of the lineage,
or, with WithAutoRelease, a fixed delay after the handle is attached.
Deferred.Notified is closed after those callbacks have returned, so a producer that holds back its events until Notified
guarantees that callers see the handle before any event is produced.
Callbacks registered after delivery run asynchronously with the attached handle.

Progress callbacks must not block on the settlement of their own lineage, since the producer is waiting for them to return.
*/
package future
