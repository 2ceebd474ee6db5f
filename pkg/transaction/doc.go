/*
Package transaction tracks submitted blockchain transactions and turns their
status changes into webhook notifications.

SubmitAndSubscribe gives each transaction a sequential internal id, creates a
subscription scoped to that id, attaches a status listener and starts the
transaction. The caller receives the current status immediately as nonce 0;
every later status change becomes an Event that the subscription manager fans
out with nonces 1, 2, and so on.

When the transaction reaches a terminal status (Succeeded, Failed, Aborted or
Rejected) the tracker detaches its listener exactly once, forgets the id and
marks the live subscriptions for that scope done.

Status payloads carry the transaction tag (Single) or tags (Batch), the hash
once signed, the block hash and number once included, a success marker on
Succeeded, and the error message on Aborted, Failed or Rejected.

Transactions can also be submitted through the broker: SubmitHandler adapts a
Builder into a handler for the transactions.submit queue.
*/
package transaction
