package sqlinline

const QInsertJob = `--sql 6d7926ff-d859-4791-8924-406576052d94
insert into jobs(id, owner_id, project_id, type, status, total_items, credits_reserved, metadata, created_at)
values ($1::uuid, $2::text, $3::text, $4::text, $5::text, $6::int, $7::bigint, $8::jsonb, $9::timestamptz);
`

const QInsertJobItem = `--sql 441b95fd-9024-4a90-8673-bb9683d33bd4
insert into job_items(id, job_id, target_ref, prompt, status, created_at, updated_at)
values ($1::uuid, $2::uuid, $3::text, $4::text, 'pending', $5::timestamptz, $5::timestamptz);
`

const QSelectJob = `--sql c5a7217e-5726-4282-b7e5-6eff04fa8a2f
select id::text, owner_id, project_id, type, status, total_items, completed_items, failed_items,
       credits_reserved, credits_spent, credits_refunded, refund_issued, metadata::text,
       created_at, started_at, completed_at
from jobs
where id = $1::uuid
limit 1;
`

const QListJobItems = `--sql 48bf796d-1c1c-48c6-bdb7-f431054060b3
select id::text, job_id::text, target_ref, prompt, status, artifact_ref, error, attempts, created_at, updated_at
from job_items
where job_id = $1::uuid
order by created_at asc, id asc;
`

const QMarkJobProcessing = `--sql f2cb311c-7d26-4329-b8d7-97ac03828930
update jobs
set status = 'processing',
    started_at = now()
where id = $1::uuid
  and status = 'pending';
`

// QClaimJobItem moves the oldest pending item of a processing job to
// processing. Concurrent workers skip rows already locked by a peer.
const QClaimJobItem = `--sql 63587cb6-f0de-4b70-bce6-2672c1920fc5
with next_item as (
    select i.id
    from job_items i
    join jobs j on j.id = i.job_id
    where i.status = 'pending'
      and j.status = 'processing'
    order by i.created_at asc
    for update of i skip locked
    limit 1
)
update job_items
set status = 'processing',
    updated_at = now()
where id in (select id from next_item)
returning id::text, job_id::text, target_ref, prompt, status, artifact_ref, error, attempts, created_at, updated_at;
`

const QFinishJobItem = `--sql 544b698e-e23d-46ed-b27b-8f74ad8748ea
update job_items
set status = $2::text,
    artifact_ref = $3::text,
    error = $4::text,
    attempts = $5::int,
    updated_at = now()
where id = $1::uuid
  and status in ('pending', 'processing')
returning job_id::text;
`

const QJobItemExists = `--sql f2e413f4-51b8-42bd-8ed1-1af33b31c4a4
select exists(select 1 from job_items where id = $1::uuid);
`

// QAccumulateJobItem counts a finished item against a job that is still
// running. Spend is capped at the reservation.
const QAccumulateJobItem = `--sql 0cb03b10-388d-41a0-aed1-22322c0a83c7
update jobs
set completed_items = completed_items + $2::int,
    failed_items = failed_items + $3::int,
    credits_spent = least(credits_spent + $4::bigint, credits_reserved)
where id = $1::uuid
  and status in ('pending', 'processing')
returning id::text, owner_id, project_id, type, status, total_items, completed_items, failed_items,
          credits_reserved, credits_spent, credits_refunded, refund_issued, metadata::text,
          created_at, started_at, completed_at;
`

const QFinalizeJob = `--sql 94df7ad9-d2bd-4619-a279-ff0b3cf64bc2
update jobs
set status = case when completed_items > 0 then 'completed' else 'failed' end,
    completed_at = now()
where id = $1::uuid
  and status in ('pending', 'processing')
  and completed_items + failed_items >= total_items
returning id::text, owner_id, project_id, type, status, total_items, completed_items, failed_items,
          credits_reserved, credits_spent, credits_refunded, refund_issued, metadata::text,
          created_at, started_at, completed_at;
`

const QFailStuckJob = `--sql dd399e47-5b33-4cc1-9c01-c60b6dd19642
update jobs
set status = 'failed',
    completed_at = now()
where id = $1::uuid
  and status in ('pending', 'processing')
returning id::text, owner_id, project_id, type, status, total_items, completed_items, failed_items,
          credits_reserved, credits_spent, credits_refunded, refund_issued, metadata::text,
          created_at, started_at, completed_at;
`

const QCancelJob = `--sql 9082ebe8-ea0d-49c5-bb08-452b82d88963
update jobs
set status = 'cancelled',
    completed_at = now()
where id = $1::uuid
  and owner_id = $2::text
  and status in ('pending', 'processing')
returning id::text, owner_id, project_id, type, status, total_items, completed_items, failed_items,
          credits_reserved, credits_spent, credits_refunded, refund_issued, metadata::text,
          created_at, started_at, completed_at;
`

const QSelectJobOwnerStatus = `--sql 9f7d9a5a-d687-4ec1-ae06-428c56697b64
select owner_id, status
from jobs
where id = $1::uuid;
`

const QListStuckJobs = `--sql 9308c6cc-e4dc-439c-9461-4e046f1f1ec0
select id::text
from jobs
where status in ('pending', 'processing')
  and coalesce(started_at, created_at) < $1::timestamptz
order by created_at asc
limit $2::int;
`

const QListUnsettledJobs = `--sql c42fa43f-60e3-4466-8a42-e3e3c3fd65ea
select j.id::text
from jobs j
where j.status in ('completed', 'failed', 'cancelled')
  and j.refund_issued = false
  and j.completed_at < $1::timestamptz
  and not exists (select 1 from job_settlements s where s.job_id = j.id)
order by j.completed_at asc
limit $2::int;
`
