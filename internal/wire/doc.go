// Package wire defines the JSON frames exchanged between the sync engine and
// monitoring sources.
//
// Every frame is a JSON object carrying an "event" discriminator:
//
//	client -> source   sync_request       {known_rev}
//	client -> source   request_documents  {ids}
//	source -> client   update_headers     {rev, headers, sync_to_rev, total_sent, total_avail}
//	source -> client   update_documents   {documents}
//
// Sources reached over plain HTTP wrap frames in an envelope
// ({"messages": [...]}) in both directions.
//
// Headers are small, frequently updated summaries of documents. Documents are
// opaque JSON bodies that carry their identity in "_id"/"_rev" or in an
// embedded "_header" object.
package wire
