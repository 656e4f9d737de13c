/*
Package workdir resolves the node's on-disk layout.

All task data lives under <root>/tasks/<task_id>/:

	task.json            task descriptor, written by the caller
	machine.json         machine snapshot, written at flow start
	run_errors.json      error container, written when a run recorded any
	logs/ memory/ files/ result-server upload categories (the safelist)
	screenshots/<ms>.jpg screenshot uploads
	pcap                 network capture
	zipped_results.zip   remote-node collection archive

Upload categories outside the safelist are rejected here, before a path is
ever built, which is the first line of the result server's traversal
defense. ZipTaskDir archives a finished task directory for collection,
excluding the archive itself.
*/
package workdir
