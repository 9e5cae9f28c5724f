package sqlinline

const QEnsureAccount = `--sql 188d774d-8507-45b2-862a-f26cc7a38db4
insert into accounts(id, plan, balance, monthly_allowance, next_reset_at, created_at, updated_at)
values ($1::text, $2::text, 0, $3::bigint, $4::timestamptz, now(), now())
on conflict (id) do nothing;
`

const QSelectAccount = `--sql d92927c7-f761-4ed7-8ba9-a3100275573c
select id, plan, balance, monthly_allowance, next_reset_at, created_at, updated_at
from accounts
where id = $1::text
limit 1;
`

const QSelectAccountBalance = `--sql afc80323-ee7a-46cb-a4b9-708fdd00d75f
select balance
from accounts
where id = $1::text;
`

// QDebitAccount applies a negative delta only when the balance covers it.
const QDebitAccount = `--sql 267efd53-a225-434f-b18d-a5210eb25fce
update accounts
set balance = balance + $2::bigint,
    updated_at = now()
where id = $1::text
  and balance + $2::bigint >= 0
returning balance;
`

const QCreditAccount = `--sql 06024aad-c515-49ff-9cb7-29b3165586d7
update accounts
set balance = balance + $2::bigint,
    updated_at = now()
where id = $1::text
returning balance;
`

const QInsertTransaction = `--sql 1b37ee47-715d-4757-a367-2fa26c17d79a
insert into credit_transactions(id, account_id, job_id, kind, amount, delta, description, created_at)
values ($1::uuid, $2::text, nullif($3::text, '')::uuid, $4::text, $5::bigint, $6::bigint, $7::text, $8::timestamptz);
`

const QSelectReservation = `--sql 7ade80b5-6407-4cdb-8e15-4d62e3212f09
select account_id, coalesce(sum(amount), 0)::bigint
from credit_transactions
where job_id = $1::uuid
  and kind = 'reserve'
group by account_id;
`

const QInsertSettlement = `--sql 81bfb4b9-a4c4-46a1-8535-0d49412807f2
insert into job_settlements(job_id, account_id, reserved, spent, refunded, reason, created_at)
values ($1::uuid, $2::text, $3::bigint, $4::bigint, $5::bigint, $6::text, now())
on conflict (job_id) do nothing;
`

const QMarkJobRefunded = `--sql a56aca60-2fdd-4b04-8124-17637435190c
update jobs
set refund_issued = true,
    credits_refunded = $2::bigint
where id = $1::uuid;
`

const QListTransactions = `--sql 8d7d3540-d2d9-403e-8c7f-7d4f8cd98641
select id::text, account_id, coalesce(job_id::text, ''), kind, amount, delta, description, created_at
from credit_transactions
where account_id = $1::text
order by created_at desc, id desc
limit $2::int;
`

const QSumDeltas = `--sql 6b61f9f0-1d97-4c9b-9cd3-a14b3bc92573
select coalesce(sum(delta), 0)::bigint
from credit_transactions
where account_id = $1::text;
`

const QListDueRenewals = `--sql 48ca7f54-1fce-401b-8073-dde41e87532e
select id, plan, balance, monthly_allowance, next_reset_at, created_at, updated_at
from accounts
where next_reset_at is not null
  and next_reset_at <= $1::timestamptz
order by next_reset_at asc
limit $2::int;
`

// QAdvanceRenewal moves next_reset_at forward only if no other renewer did.
const QAdvanceRenewal = `--sql 99d8be00-a8ae-4d25-95d0-14cc363faa7c
update accounts
set next_reset_at = $3::timestamptz,
    updated_at = now()
where id = $1::text
  and next_reset_at = $2::timestamptz;
`
